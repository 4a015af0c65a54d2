// Package notifier delivers operator alerts.
//
// Alerts are always logged at WARN level. When a target chat is configured
// they are also queued for asynchronous Telegram delivery through a small
// worker pool with a shared rate limit, retries with jittered backoff and a
// dedup window, so a flapping condition produces one message per window
// instead of one per occurrence. Dedup entries can be persisted so the
// window survives restarts.
package notifier
