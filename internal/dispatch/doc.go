// Package dispatch sequences notebook execution requests into a kernel that
// runs code asynchronously and reports progress only through an unordered,
// request-agnostic notification stream.
//
// The dispatcher is a single goroutine that blocks on the status queue and
// reacts to what the kernel reports about its global state:
//
//   - idle: take the next request from the submission queue (waiting for one
//     if necessary), discard status events left over from the previous
//     request, and hand the request to the sink.
//   - error: discard every queued submission and hand the error sentinel to
//     the sink so the front end can reset itself.
//   - busy: pause for the poll interval and look again.
//   - input echo: ignored.
//
// At most one request is in flight at any time: a request is only sent after
// an idle event observed since the previous send.
//
// Stale events:
//   - Every status event carries the dispatch generation current when the
//     notification arrived.
//   - Before each send the generation is advanced and only events from older
//     generations are drained, so a notification that races with the drain is
//     never lost.
//   - Events from an older generation that reach the head of the queue later
//     are dropped on arrival.
//
// Cancellation:
//   - A backend error and a user stop both drain the submission queue.
//   - Only a backend error emits the sentinel.
//   - The in-flight request is never interrupted; it finishes in the kernel.
//
// The loop has no fatal error path. Run returns only when its context ends.
package dispatch
