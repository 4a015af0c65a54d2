// Package logx configures the bot's structured logging.
//
// logx.Logger is a small wrapper over zerolog:
//   - console output is readable (short timestamp, short caller)
//   - file output is JSON
//   - an optional Telegram sink forwards warnings (min level + rate limit)
//
// Registered secrets (the bot token) are scrubbed from every sink.
package logx
