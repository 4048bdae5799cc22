package domain

import (
	"strings"
	"time"
)

// CDSStatus is the lifecycle state of a cross-domain request.
type CDSStatus string

const (
	CDSRequested CDSStatus = "requested"
	CDSApproved  CDSStatus = "approved"
	CDSRejected  CDSStatus = "rejected"
	CDSCompleted CDSStatus = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s CDSStatus) Terminal() bool {
	return s == CDSRejected || s == CDSCompleted
}

// CDSDirection is the movement direction across the classification boundary.
type CDSDirection string

const (
	CDSUpgrade   CDSDirection = "upgrade"
	CDSDowngrade CDSDirection = "downgrade"
)

// CDSRequest is a petition to move data across a classification boundary.
// Status transitions happen only through recorded approvals.
type CDSRequest struct {
	ID                  string              `json:"id"`
	LogicalID           string              `json:"logical_id"`
	Direction           CDSDirection        `json:"direction"`
	FromLevel           ClassificationLevel `json:"from_level"`
	ToLevel             ClassificationLevel `json:"to_level"`
	FromCompartments    CompartmentSet      `json:"from_compartments"`
	ToCompartments      CompartmentSet      `json:"to_compartments"`
	Justification       string              `json:"justification"`
	SanitizationProfile string              `json:"sanitization_profile,omitempty"`
	Status              CDSStatus           `json:"status"`
	CreatedBy           string              `json:"created_by"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Validate checks the submit-time invariants of the request.
func (r CDSRequest) Validate() error {
	if strings.TrimSpace(r.LogicalID) == "" {
		return ValidationError{Field: "logical_id", Message: "required"}
	}
	if r.Direction != CDSUpgrade && r.Direction != CDSDowngrade {
		return ValidationError{Field: "direction", Message: "must be upgrade or downgrade"}
	}
	if !r.FromLevel.Valid() {
		return ValidationError{Field: "from_level", Message: "unknown level"}
	}
	if !r.ToLevel.Valid() {
		return ValidationError{Field: "to_level", Message: "unknown level"}
	}
	if r.FromLevel == r.ToLevel && r.FromCompartments.Equal(r.ToCompartments) {
		return ValidationError{Field: "to_level", Message: "request does not cross a boundary"}
	}
	if strings.TrimSpace(r.Justification) == "" {
		return ValidationError{Field: "justification", Message: "required"}
	}
	return nil
}

// ApprovalDecision is the verdict recorded by one approver.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// Approval is one append-only approval action. Multiple rows per approver are
// retained; whether they advance the approval count is workflow policy.
type Approval struct {
	ID         string           `json:"id"`
	RequestID  string           `json:"request_id"`
	ApproverID string           `json:"approver_id"`
	Decision   ApprovalDecision `json:"decision"`
	Comment    string           `json:"comment,omitempty"`
	DecidedAt  time.Time        `json:"decided_at"`
}

// CDSEvent is one append-only workflow audit event. The full workflow state
// must be reconstructable from the event log alone.
type CDSEvent struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	Kind       string         `json:"kind"`
	Actor      string         `json:"actor,omitempty"`
	Status     CDSStatus      `json:"status"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
