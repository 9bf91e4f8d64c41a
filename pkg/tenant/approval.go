package tenant

import (
	"fmt"
	"time"
)

// Capability is one destructive permission a human can sign off on.
// The vocabulary is fixed; approvals never carry free-form capabilities.
type Capability string

const (
	CapCommit Capability = "commit"
	CapPush   Capability = "push"
	CapOpenPR Capability = "open-pr"
	CapMerge  Capability = "merge"
)

// Valid reports whether c is part of the capability vocabulary.
func (c Capability) Valid() bool {
	switch c {
	case CapCommit, CapPush, CapOpenPR, CapMerge:
		return true
	}
	return false
}

// CapabilitySet is a set of approved capabilities with O(1) membership.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set, rejecting unknown capabilities.
func NewCapabilitySet(caps ...Capability) (CapabilitySet, error) {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if !c.Valid() {
			return nil, &ValidationError{Field: "capability", Reason: fmt.Sprintf("unknown capability %q", c)}
		}
		s[c] = struct{}{}
	}
	return s, nil
}

// Has reports whether the set covers c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// ApprovalRecord is a run-scoped human sign-off over a bounded set of
// destructive capabilities. Produced by an external approval workflow and
// passed by reference into invocation requests.
type ApprovalRecord struct {
	RunID      string
	ApprovedAt time.Time
	ApprovedBy string
	Scope      CapabilitySet
	PatchHash  string
}

// NewApprovalRecord validates and builds an ApprovalRecord.
func NewApprovalRecord(runID, approvedBy string, scope CapabilitySet) (*ApprovalRecord, error) {
	if runID == "" {
		return nil, &ValidationError{Field: "run id", Reason: "must not be empty"}
	}
	if approvedBy == "" {
		return nil, &ValidationError{Field: "approved by", Reason: "must not be empty"}
	}
	return &ApprovalRecord{
		RunID:      runID,
		ApprovedAt: time.Now().UTC(),
		ApprovedBy: approvedBy,
		Scope:      scope,
	}, nil
}

// CoversRun reports whether the approval was minted for the given run.
// An approval for run A never authorizes an action under run B, even within
// the same tenant.
func (a *ApprovalRecord) CoversRun(runID string) bool {
	return a != nil && runID != "" && a.RunID == runID
}

// Grants reports whether the approval covers the capability.
func (a *ApprovalRecord) Grants(c Capability) bool {
	return a != nil && a.Scope.Has(c)
}
