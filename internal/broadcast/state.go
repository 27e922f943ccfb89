package broadcast

import "schoolcast/internal/school"

// SkipReason explains why a trigger left a broadcast untouched.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipCompleted  SkipReason = "already completed"
	SkipUnsendable SkipReason = "hidden or no audience"
	SkipInProgress SkipReason = "already processing"
	SkipLeaseHeld  SkipReason = "held by another sender"
	SkipRaceLost   SkipReason = "status changed before start"
)

// Decision is the state machine's answer to a send trigger.
type Decision struct {
	Proceed bool
	Reason  SkipReason
	// From lists the stored statuses the Processing transition may start from.
	From []school.Status
}

// Decide evaluates a trigger for b.
//
//	Succeeded|Cancelled  -> no-op unless forced
//	Hidden or None       -> no-op, even when forced
//	Processing           -> no-op unless forced
//	Idle|Failed          -> Processing
//
// A forced trigger takes over a Processing record left behind by a sender
// that died before finalizing. The caller holds the broadcast's lease by then,
// so no live sender owns the record.
func Decide(b school.Broadcast, force bool) Decision {
	switch {
	case (b.Status == school.StatusSucceeded || b.Status == school.StatusCancelled) && !force:
		return Decision{Reason: SkipCompleted}
	case !b.Sendable():
		return Decision{Reason: SkipUnsendable}
	case b.Status == school.StatusProcessing && !force:
		return Decision{Reason: SkipInProgress}
	}
	from := []school.Status{school.StatusIdle, school.StatusFailed}
	if force {
		from = append(from, school.StatusSucceeded, school.StatusCancelled, school.StatusProcessing)
	}
	return Decision{Proceed: true, From: from}
}

var transitions = map[school.Status][]school.Status{
	school.StatusIdle:       {school.StatusProcessing, school.StatusFailed},
	school.StatusFailed:     {school.StatusProcessing},
	school.StatusSucceeded:  {school.StatusProcessing},
	school.StatusCancelled:  {school.StatusProcessing},
	school.StatusProcessing: {school.StatusSucceeded, school.StatusFailed, school.StatusProcessing},
}

// CanTransition reports whether the engine may move a broadcast from one
// status to another. Succeeded, Cancelled and a stale Processing only
// (re-)enter Processing on a forced send; Cancelled is never entered by the
// engine.
func CanTransition(from, to school.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
