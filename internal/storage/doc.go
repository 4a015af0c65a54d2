// Package storage is the SQLite persistence layer of the bot.
//
// It holds:
//   - chat settings (delivery mode, local times, timezone, feed reference)
//   - schedule occurrences, both feed-sourced and manual
//   - the delivery ledger (send_log), one row per (chat, date, kind)
//   - sync uploads, operator audit entries and notifier dedup state
//
// All writes go through a single connection. The ledger relies on SQLite's
// atomic upsert for at-most-once delivery across concurrent callers.
package storage
