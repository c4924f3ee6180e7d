package task

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrAlreadyCommitted  = errors.New("task already has a completed result")
)

// ValidTransitions enumerates the status graph from §3 of the spec:
// pending -> in-progress -> (pending | completed | failed); pending/
// in-progress -> pending is the reclamation path and may repeat up to
// the attempt cap.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusPending, StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransitionTo reports whether moving from s to target is permitted by
// the status graph above. The store's Lua scripts enforce this atomically
// against Redis; this is the same check available to callers (e.g. the
// admin manual-retry path) that want to validate before acting.
func (s Status) CanTransitionTo(target Status) bool {
	for _, v := range ValidTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}
