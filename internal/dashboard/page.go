package dashboard

// dashboardHTML is the embedded single-page dashboard: pending reviews with
// approve/reject buttons, recent audit entries, and the live feed. The
// caller's identity (actor id or bearer token) is kept in localStorage.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>plangov</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 16px; }
  .identity { margin-bottom: 24px; font-size: 13px; }
  .identity input { background: #161b22; border: 1px solid #30363d; color: #e1e4e8;
                    padding: 4px 8px; border-radius: 4px; width: 320px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .st-approved { color: #3fb950; }
  .st-rejected { color: #f85149; }
  .st-pending { color: #d29922; }
  .error { color: #f85149; font-size: 12px; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
  .btn-danger { border-color: #f85149; color: #f85149; }
  .btn-success { border-color: #3fb950; color: #3fb950; }
</style>
</head>
<body>
<h1>plangov</h1>
<p class="subtitle">Campaign review governance and audit trail</p>

<div class="identity">
  Acting as <input id="identity" placeholder="actor id, or bearer token when JWT auth is on">
  <button class="btn" onclick="saveIdentity()">Use</button>
  <span id="error" class="error"></span>
</div>

<div class="grid">
  <div class="card">
    <h2>Pending reviews</h2>
    <table>
      <thead><tr><th>Review</th><th>Campaign</th><th>Submitted by</th><th>Action</th></tr></thead>
      <tbody id="reviews-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Recent audit entries</h2>
    <table>
      <thead><tr><th>Time</th><th>Action</th><th>Resource</th><th>Actor</th></tr></thead>
      <tbody id="audit-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function identity() { return localStorage.getItem('plangov.identity') || ''; }
function isToken(v) { return v.split('.').length === 3; }
function headers() {
  const v = identity(), h = {'Content-Type': 'application/json'};
  if (isToken(v)) h['Authorization'] = 'Bearer ' + v; else if (v) h['X-Actor-ID'] = v;
  return h;
}
function saveIdentity() {
  localStorage.setItem('plangov.identity', document.getElementById('identity').value.trim());
  refresh(); connectWS();
}
async function api(path, opts) {
  const res = await fetch(path, Object.assign({headers: headers()}, opts || {}));
  const body = await res.json();
  if (!res.ok) throw new Error(body.error || res.statusText);
  return body;
}
async function refresh() {
  const errEl = document.getElementById('error');
  errEl.textContent = '';
  try {
    const [reviews, entries] = await Promise.all([
      api('/api/reviews?status=pending&limit=50'), api('/api/audit?limit=20')
    ]);
    renderReviews(reviews);
    renderAudit(entries);
  } catch (e) { errEl.textContent = e.message; }
}
function renderReviews(reviews) {
  const tbody = document.getElementById('reviews-tbody');
  if (!reviews || reviews.length === 0) { tbody.innerHTML = '<tr><td colspan="4">Nothing pending</td></tr>'; return; }
  tbody.innerHTML = reviews.map(r => {
    const id = esc(r.id);
    return '<tr><td class="st-' + esc(r.status) + '">' + id + '</td><td>' + esc(r.campaign_id) +
      '</td><td>' + esc(r.submitted_by) + '</td><td>' +
      '<button class="btn btn-success" onclick="decide(\'' + id + '\',\'approve\')">Approve</button> ' +
      '<button class="btn btn-danger" onclick="decide(\'' + id + '\',\'reject\')">Reject</button></td></tr>';
  }).join('');
}
function renderAudit(entries) {
  const tbody = document.getElementById('audit-tbody');
  if (!entries || entries.length === 0) { tbody.innerHTML = '<tr><td colspan="4">No entries yet</td></tr>'; return; }
  tbody.innerHTML = entries.map(e =>
    '<tr><td>' + esc(e.ts) + '</td><td>' + esc(e.action) + '</td><td>' + esc(e.resource_id) +
    '</td><td>' + esc(e.actor_id) + '</td></tr>').join('');
}
async function decide(id, decision) {
  const reason = prompt('Reason for ' + decision + ':');
  if (!reason) return;
  try {
    await api('/api/reviews/' + encodeURIComponent(id) + '/decision',
      {method: 'POST', body: JSON.stringify({decision: decision, reason: reason})});
  } catch (e) { document.getElementById('error').textContent = e.message; }
  refresh();
}

let ws;
function connectWS() {
  if (ws) { ws.onclose = null; ws.close(); }
  const v = identity();
  if (!v) return;
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const q = isToken(v) ? 'access_token=' + encodeURIComponent(v) : 'actor=' + encodeURIComponent(v);
  ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws?' + q);
  ws.onmessage = function(msg) {
    try {
      const e = JSON.parse(msg.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = '[' + esc(e.ts) + '] ' + esc(e.action) + ' resource=' + esc(e.resource_id) +
        ' actor=' + esc(e.actor_id) + ' seq=' + esc(e.seq);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch (err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

document.getElementById('identity').value = identity();
refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
