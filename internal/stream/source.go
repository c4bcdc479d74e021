package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
)

const readChunkSize = 4 << 10

// FragmentSource yields raw fragments of a streaming body. Next returns
// io.EOF once the body is exhausted. The returned slice is only valid until
// the next call.
type FragmentSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// ReaderSource reads fragments from an io.Reader, typically an HTTP body.
// A blocked Read is not interrupted by ctx; close the reader, or use a
// request bound to the same context, to unblock it.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource wraps r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, buf: make([]byte, readChunkSize)}
}

// Next implements FragmentSource.
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.r.Read(s.buf)
	if n > 0 {
		// Defer a trailing EOF to the next call so the data is not dropped.
		return s.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

// Decode returns a lazy, single-pass sequence of the events in src. The
// sequence always ends with exactly one Done or Error, except when ctx is
// cancelled, in which case it stops without a terminal event and no further
// fragments are read. Ranging over it a second time yields nothing.
func Decode(ctx context.Context, src FragmentSource, logger *slog.Logger) iter.Seq[Event] {
	d := NewDecoder(logger)
	var used atomic.Bool

	return func(yield func(Event) bool) {
		if used.Swap(true) {
			return
		}
		emit := func(events []Event) bool {
			for _, ev := range events {
				if ctx.Err() != nil {
					return false
				}
				if !yield(ev) {
					return false
				}
			}
			return true
		}

		for {
			if ctx.Err() != nil {
				return
			}
			fragment, err := src.Next(ctx)
			if len(fragment) > 0 {
				if !emit(d.Feed(fragment)) || d.Terminated() {
					return
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				emit(d.Finish())
				return
			}
			if ctx.Err() != nil {
				return
			}
			d.terminated = true
			yield(Error{Message: "Stream interrupted", Transport: true, Err: err})
			return
		}
	}
}
