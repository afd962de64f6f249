// Package logx configures chanpost's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (timestamp + level + short caller)
//   - File output JSON-structured (one event per line)
//   - Optional alert sink (min-level + rate limiting), e.g. a Telegram chat
package logx
