package broadcast

import (
	"errors"
	"fmt"

	"schoolcast/internal/school"
)

var (
	// ErrNotFound is returned for an unknown broadcast id.
	ErrNotFound = school.ErrNotFound
	// ErrStatusConflict means the stored status changed under a running send.
	ErrStatusConflict = errors.New("broadcast status changed concurrently")
)

// Kind classifies a failed send.
type Kind int

const (
	KindResolution Kind = iota + 1
	KindTransport
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SendError is the failure of one broadcast send.
type SendError struct {
	Kind Kind
	ID   int64
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("broadcast %d: %s failure: %v", e.ID, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without any data change.
func (e *SendError) Retryable() bool { return e.Kind == KindTransport }

// KindOf returns the kind of the first SendError in err's chain, or 0.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
