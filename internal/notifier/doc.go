// Package notifier delivers operator notifications asynchronously.
//
// Notify only enqueues. Worker goroutines hosted by a supervisor drain the
// queue through a shared token-bucket limiter and retry failed sends with
// backoff. Identical notifications inside the dedup window are dropped.
//
// The periodic self-check reports through ChatSink, which targets one
// configured chat.
package notifier
