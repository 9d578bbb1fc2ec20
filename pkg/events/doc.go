// Package events implements the kernel's system of record: a single-writer,
// multi-reader, totally-ordered event log with bounded retention, JSONL
// segment persistence, and best-effort fan-out to in-process subscribers.
//
// # Architecture
//
//	                 Emit / EmitCaused (any goroutine)
//	                              │
//	                     ┌────────▼────────┐
//	                     │  writer mutex   │  id = last_id + 1
//	                     │  ring append    │  (linearizable with LastID)
//	                     └────────┬────────┘
//	                              │ ordered command channel
//	                     ┌────────▼────────┐
//	                     │    run loop     │  single consumer
//	                     └──┬─────────┬────┘
//	                        │         │
//	              ┌─────────▼──┐   ┌──▼──────────────┐
//	              │ segment log│   │ subscriber fan- │
//	              │ (JSONL)    │   │ out (buffered)  │
//	              └────────────┘   └─────────────────┘
//
// # Ordering
//
// Emit allocates the id and enqueues the event while holding the writer
// mutex, so command order equals id order and LastID observed after an Emit
// returns is at least that event's id. The run loop is the only consumer:
// persistence and dispatch happen in id order, and every subscriber sees
// events in id order. Subscribe and unsubscribe travel through the same
// command channel, which pins each subscriber's membership to an exact
// position in the event sequence.
//
// # Durability and retention
//
// Events append to events-NNNNNNNN.log segments under the store directory,
// one JSON object per line. Segments rotate at a byte threshold and are
// fsynced on rotation; Flush syncs the active segment on demand and returns
// once everything up to LastID at call time is on disk. Retention removes
// whole rotated segments once event-count or byte totals exceed their
// bounds. The active segment is never removed, so no event newer than the
// latest acknowledged sync is ever trimmed. At open the store replays the
// segments to recover last_id and refill the retained window, which is how
// the id sequence stays gap-free across a restart.
//
// # Failure behavior
//
// Emit never fails from the caller's perspective. A full command buffer
// blocks the writer until the loop drains; a persistence error is logged,
// marks the store degraded, and surfaces as a resource_violation event with
// reason storage_degraded. A subscriber whose buffer is full at dispatch
// time is dropped and its channel closed; subscribers never back-pressure
// writers.
//
// # Usage
//
//	store, err := events.Open(events.DefaultOptions(dir))
//	if err != nil { ... }
//	defer store.Close()
//
//	id := store.Emit(types.EventServiceDeployed, tenant,
//	    types.ServiceSubject(tenant, svc), map[string]any{"version": 1})
//	store.EmitCaused(types.EventServiceStarted, tenant,
//	    types.ServiceSubject(tenant, svc), nil, id)
//
//	sub := store.Subscribe()
//	defer sub.Close()
//	for e := range sub.Events() {
//	    ...
//	}
package events
