package governance

import (
	"fmt"
	"strings"
)

// Collections used by the engine.
const (
	ReviewsCollection   = "reviews"
	CampaignsCollection = "campaigns"
)

// Audit actions written by the engine.
const (
	ActionCampaignCreate   = "campaign_create"
	ActionSubmit           = "campaign_submit"
	ActionApprove          = "campaign_approve"
	ActionReject           = "campaign_reject"
	ActionDecisionRejected = "review_decision_rejected"
	ActionActorSuspend     = "actor_suspend"
	ActionActorReinstate   = "actor_reinstate"
)

// Status is the lifecycle state of a review.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Campaign statuses. A decided review's status is mirrored onto its
// campaign, so approved and rejected are shared with Status.
const (
	CampaignDraft         = "draft"
	CampaignPendingReview = "pending_review"
	CampaignApproved      = string(StatusApproved)
	CampaignRejected      = string(StatusRejected)
)

// Decision is the verb an approver applies to a pending review.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts "approve" or "reject" in any case.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("invalid decision %q (use approve or reject)", s)
	}
	return d, nil
}

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Status is the review status d produces.
func (d Decision) Status() Status {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusRejected
}

func (d Decision) action() string {
	if d == DecisionApprove {
		return ActionApprove
	}
	return ActionReject
}

// Review is a campaign review record. It leaves pending exactly once.
type Review struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	Status      Status `json:"status"`
	SubmittedBy string `json:"submitted_by"`
	ReviewedBy  string `json:"reviewed_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	ReviewedAt  string `json:"reviewed_at,omitempty"`
}

// Campaign is the planner campaign a review governs. The engine only ever
// writes its status and updated_at.
type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Outcome is the result of a successful Decide or Submit. Warnings lists
// post-commit steps that failed; the transition itself stands.
type Outcome struct {
	Status       Status   `json:"status"`
	Review       Review   `json:"review"`
	AuditEntryID string   `json:"audit_entry_id,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// ReviewFilter narrows ListReviews. Zero values mean "any".
type ReviewFilter struct {
	Status     Status
	CampaignID string
	Limit      int
}
