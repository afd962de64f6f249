package dispatch

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of one Dispatch call as seen by the loop.
type Outcome int

const (
	// Failed covers transport errors, unparseable or exhausted rate limits,
	// and unexpected statuses. The channel stays configured.
	Failed Outcome = iota
	// Sent means the endpoint accepted the message.
	Sent
	// Forbidden means the endpoint permanently refuses this channel.
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Forbidden:
		return "forbidden"
	default:
		return "failed"
	}
}

// Result describes a finished dispatch.
type Result struct {
	Outcome  Outcome
	Attempts int // HTTP requests made
	Status   int // last HTTP status, 0 on transport error
	Took     time.Duration
}

// ErrUnauthorized is returned when the endpoint rejects the credential.
// It is process-fatal: the caller must stop touching further channels.
var ErrUnauthorized = errors.New("the token is wrong or expired (401 Unauthorized)")

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
