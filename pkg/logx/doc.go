// Package logx configures conductor's structured logging.
//
// Logger is a small value type over zerolog:
//   - Console output is human readable (short timestamp + file:line caller)
//   - File output is one JSON object per line
//   - An optional chat sink forwards warnings/errors to an operator chat,
//     filtered by level and rate limited so a failing loop can't flood it
//
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks for every component at once.
package logx
