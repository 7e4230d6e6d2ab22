// Package observer implements the Observer Surface (spec §4.7): a
// synchronous, non-blocking fan-out of traffic events emitted at each
// stage of the dispatch pipeline.
package observer

import (
	"errors"
	"time"
)

// Stage names the pipeline transition a LoggableEvent was captured at.
type Stage string

const (
	IncomingRequestAtFips     Stage = "IncomingRequestAtFips"
	OutgoingRequestToServer   Stage = "OutgoingRequestToServer"
	IncomingResponseFromServer Stage = "IncomingResponseFromServer"
	OutgoingResponseFromFips  Stage = "OutgoingResponseFromFips"
)

// LoggableEvent is a single pipeline transition, as seen by every
// registered Observer.
type LoggableEvent struct {
	Stage     Stage
	RequestID string
	Method    string
	URI       string
	Status    int
	RuleName  string
	Timestamp time.Time
	Err       error
}

// Observer receives LoggableEvents. Implementations must be fire-and-forget
// and non-blocking: Notify must never perform I/O that can stall the
// dispatch pipeline it is called from.
type Observer interface {
	Notify(event LoggableEvent)
	Close() error
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) Notify(LoggableEvent) {}
func (NoopObserver) Close() error         { return nil }

// MultiObserver fans a single event out to every registered Observer, in
// registration order.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver builds a MultiObserver dispatching to every given
// observer in order.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Notify fans event out to every registered observer.
func (m *MultiObserver) Notify(event LoggableEvent) {
	for _, o := range m.observers {
		o.Notify(event)
	}
}

// Close closes every registered observer and joins any errors.
func (m *MultiObserver) Close() error {
	var errs []error
	for _, o := range m.observers {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
