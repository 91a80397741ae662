package models

import (
	"fmt"

	"rewardsettle/services/claimd/claimerr"
)

var claimStatuses = []ClaimStatus{ClaimQueued, ClaimProcessing, ClaimCompleted, ClaimFailed}

var allowedClaimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimQueued:     {ClaimProcessing},
	ClaimProcessing: {ClaimCompleted, ClaimQueued, ClaimFailed},
}

// ValidateClaimTransition reports whether a claim may move from current to next.
// COMPLETED and FAILED have no outgoing edges; the refund marker on a FAILED row is
// not a status change.
func ValidateClaimTransition(current, next ClaimStatus) error {
	if current.Terminal() {
		return fmt.Errorf("%w: %s is terminal", claimerr.ErrStateConflict, current)
	}
	allowed, ok := allowedClaimTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", claimerr.ErrStateConflict, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: transition from %s to %s is not permitted", claimerr.ErrStateConflict, current, next)
}

// Terminal reports whether no further automatic transition can occur.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimCompleted || s == ClaimFailed
}

// Unsettled reports whether the claim still holds a debit awaiting settlement.
func (s ClaimStatus) Unsettled() bool {
	return s == ClaimQueued || s == ClaimProcessing
}

// UnsettledClaimStatuses lists the statuses whose debit still awaits settlement.
func UnsettledClaimStatuses() []ClaimStatus {
	out := make([]ClaimStatus, 0, len(claimStatuses))
	for _, status := range claimStatuses {
		if status.Unsettled() {
			out = append(out, status)
		}
	}
	return out
}
