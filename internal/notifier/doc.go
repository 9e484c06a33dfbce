// Package notifier reports broadcast progress and outcomes to the operator.
//
// Progress updates are best-effort: they are queued, rate limited and
// coalesced per run, and dropped when the queue is full. The final summary is
// sent synchronously with retry, followed by the run log as a document when
// the transport can upload files. A progress update is never delivered after
// its run's summary.
//
// Delivery failures are logged and published on the event bus. They never
// reach the broadcast run.
package notifier
