// Package notifier turns scheduler events into operator alerts.
//
// A watcher subscribes to the event bus and translates high-signal events
// (failed runs, degraded runs, entities tripping into cooldown, bandwidth
// probe results) into notifications. Each notification carries a priority,
// a target chat and the alert text, and flows through an async pipeline:
// bounded queue, worker pool, send rate limit, retry with backoff, and a
// dedup window so a flapping entity cannot flood the chat.
//
// # Transport
//
// Delivery goes through a transport.Sender (the Telegram sender in this
// build). The pipeline never blocks the scheduler: enqueueing is
// non-blocking and a full queue drops the alert with a bus event.
package notifier
