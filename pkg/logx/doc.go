// Package logx is the structured logger used across newsalert.
//
// It wraps zerolog with a small value-type Logger so components can carry
// fixed fields (comp, batch, item) without holding a pointer to the sink.
// Console output is human readable, file output is JSON, and an optional
// ops sink forwards warnings to an operator chat with rate limiting.
package logx
