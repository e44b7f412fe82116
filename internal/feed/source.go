package feed

import "context"

// Source opens upstream streams for one feed.
type Source interface {
	Name() string

	// Normalize maps user input to the feed's symbol format or fails with
	// ErrInvalidSymbol. No network.
	Normalize(raw string) (string, error)

	// Open connects one stream for symbol. It fails with ErrInvalidSymbol
	// before any network call, or a *ConnectError when the upstream is
	// unreachable, rejects the handshake or the connect timeout elapses.
	Open(ctx context.Context, symbol string) (Stream, error)
}

// Stream is a lazy, non-restartable sequence of ticks.
//
// Next blocks until the next frame. It returns ErrClosed once Close was
// called, a *DecodeError for a frame that could not be decoded (the stream
// is still usable), and a *StreamError when the transport failed or the
// upstream closed; after a StreamError the sequence is over.
//
// Close is idempotent and safe to call concurrently with Next; it unblocks
// a pending Next.
type Stream interface {
	Next() (Tick, error)
	Close() error
}
