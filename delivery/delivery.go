// Package delivery routes notification payloads to the channel a subscriber
// registered for.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"time"
)

// ErrNoChannel is returned for subscribers without a usable descriptor or
// whose channel is not configured.
var ErrNoChannel = errors.New("no delivery channel")

// PermanentError marks a failure after which the subscription must be removed.
type PermanentError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: subscription invalid (HTTP %d): %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: subscription invalid: %v", e.Channel, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err invalidates the subscriber.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Channel delivers over one transport.
type Channel interface {
	Deliver(ctx context.Context, sub *plan.Subscriber, payload *notify.Payload, ttl time.Duration) error
}

// Router picks the channel per subscriber. Either channel may be nil.
type Router struct {
	Push   Channel
	Email  Channel
	Logger *slog.Logger
}

// Deliver sends payload to every channel sub registered. A subscriber with
// both push and email counts as delivered if either channel succeeds and is
// only invalid when every channel failed permanently.
func (r *Router) Deliver(ctx context.Context, sub *plan.Subscriber, payload *notify.Payload, ttl time.Duration) error {
	var errs []error
	attempted := 0
	if sub.Push != nil && r.Push != nil {
		attempted++
		if err := r.Push.Deliver(ctx, sub, payload, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	if sub.Email != "" && r.Email != nil {
		attempted++
		if err := r.Email.Deliver(ctx, sub, payload, ttl); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case attempted == 0 && sub.Push == nil && sub.Email == "":
		return &PermanentError{Channel: "router", Err: ErrNoChannel}
	case attempted == 0:
		r.Logger.Warn("Subscriber channel not configured, skipping", "subscriber", sub.ID)
		return nil
	case len(errs) == 0:
		return nil
	case len(errs) < attempted:
		r.Logger.Warn("Partial delivery", "subscriber", sub.ID, "error", errors.Join(errs...))
		return nil
	}

	var transient []error
	for _, err := range errs {
		if !IsPermanent(err) {
			transient = append(transient, err)
		}
	}
	if len(transient) > 0 {
		return errors.Join(transient...)
	}
	return errs[0]
}
