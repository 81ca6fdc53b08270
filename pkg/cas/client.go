package cas

import (
	"context"

	"github.com/ysw505/go-cubrid/internal/caslog"
)

// Open builds a Session from opts and drives its handshake to
// completion, the package's primary, code-first constructor (spec.md
// §4.3, §6). Callers that want a session without connecting immediately
// should use NewSession directly.
func Open(opts ...Option) (*Session, error) {
	return OpenWithLogger(caslog.Nop{}, opts...)
}

// OpenWithLogger is Open with an explicit Logger, for applications that
// already run a caslog.ZapLogger and want session lifecycle events folded
// into it.
func OpenWithLogger(logger caslog.Logger, opts ...Option) (*Session, error) {
	s := NewSession(logger, opts...)
	if err := s.Connect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenURL is a supplemented DSN-style constructor. Its real semantics are
// explicitly out of scope (spec.md §9); it always fails with
// NotImplementedKind so callers get a typed refusal rather than a parser
// that guesses at a URL format no source ever specified.
func OpenURL(string, ...Option) (*Session, error) {
	return nil, newNotImplementedErr("open_url")
}
