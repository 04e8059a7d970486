package workflow

import (
	"fmt"

	"github.com/squorworks/pipeline/pkg/models"
)

// legalTransitions is the full transition table. Terminal states
// (completed, cancelled) admit nothing.
var legalTransitions = map[models.WorkflowState][]models.WorkflowState{
	models.StateCreated: {
		models.StateQueued, models.StateCancelled,
	},
	models.StateQueued: {
		models.StateProcessing, models.StateSuspended, models.StateCancelled,
	},
	models.StateProcessing: {
		models.StateWaiting, models.StateCompleted, models.StateFailed,
		models.StateRetrying, models.StateQuotaExceeded,
		models.StatePartiallyProcessed, models.StateSuspended, models.StateCancelled,
	},
	models.StateWaiting: {
		models.StateProcessing, models.StateSuspended, models.StateCancelled,
	},
	models.StateRetrying: {
		models.StateProcessing, models.StateFailed,
		models.StateSuspended, models.StateCancelled,
	},
	models.StateSuspended: {
		models.StateQueued, models.StateCancelled,
	},
	models.StateQuotaExceeded: {
		models.StateProcessing, models.StateQueued,
		models.StateSuspended, models.StateCancelled,
	},
	models.StatePartiallyProcessed: {
		models.StateProcessing, models.StateQueued, models.StateCompleted,
		models.StateFailed, models.StateCancelled,
	},
	models.StateFailed: {
		models.StateQueued, models.StateRetrying,
		models.StateSuspended, models.StateCancelled,
	},
	models.StateCompleted: {},
	models.StateCancelled: {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to models.WorkflowState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BusinessError marks a permanent, non-retryable failure: the work item
// itself is bad, so retrying cannot help.
type BusinessError struct {
	Reason string
}

func (e *BusinessError) Error() string { return e.Reason }

// IllegalTransitionError is returned by admin operations that would
// violate the transition table.
type IllegalTransitionError struct {
	From, To models.WorkflowState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
