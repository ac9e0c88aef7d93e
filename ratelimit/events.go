package ratelimit

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// Event describes one server rate-limit rejection.
type Event struct {
	RequestID  string
	Bucket     BucketKey
	Route      string
	Global     bool
	RetryAfter time.Duration
	Snapshot   Snapshot
	At         time.Time
}

// EventHandler observes rejections. It is called synchronously from the
// bucket that was rejected and must not block.
type EventHandler func(Event)

func (e Event) record() telemetry.RateLimitRecord {
	return telemetry.RateLimitRecord{
		RequestID:    e.RequestID,
		Bucket:       e.Bucket.String(),
		Route:        e.Route,
		Global:       e.Global,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
		Scope:        e.Snapshot.Scope,
		Hash:         e.Snapshot.Bucket,
		At:           e.At,
	}
}

// BusPublisher returns a handler that publishes events as JSON on
// SubjectEvents. Publish failures are dropped.
func BusPublisher(b bus.MessageBus) EventHandler {
	return func(e Event) {
		data, err := json.Marshal(e.record())
		if err != nil {
			return
		}
		_ = b.Publish(SubjectEvents, data)
	}
}

// ExporterHandler returns a handler that exports every event.
func ExporterHandler(exp telemetry.Exporter) EventHandler {
	return func(e Event) {
		exp.Export(e.record())
	}
}

// Handlers fans an event out to several handlers in order.
func Handlers(hs ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range hs {
			if h != nil {
				h(e)
			}
		}
	}
}
