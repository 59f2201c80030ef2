// Package codec is the boundary to the external image codec: it turns
// opaque pairing data into a displayable image and arbitrary payload bytes
// into an attachment image. Rendering itself is implementation-defined;
// this package only owns the bounded-time contract around it.
package codec

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an encode exceeds its bounded wait.
var ErrTimeout = errors.New("codec: encode timed out")

type Codec interface {
	// EncodePairing renders opaque pairing data into a displayable image.
	EncodePairing(ctx context.Context, token string) ([]byte, error)

	// EncodeAttachment renders payload bytes into an attachment image.
	EncodeAttachment(ctx context.Context, payload []byte) ([]byte, error)
}

// Funcs adapts plain functions to Codec. Nil members fail with an error
// rather than panicking so a partially wired codec degrades cleanly.
type Funcs struct {
	Pairing    func(ctx context.Context, token string) ([]byte, error)
	Attachment func(ctx context.Context, payload []byte) ([]byte, error)
}

var errNotWired = errors.New("codec: encoder not wired")

func (f Funcs) EncodePairing(ctx context.Context, token string) ([]byte, error) {
	if f.Pairing == nil {
		return nil, errNotWired
	}
	return f.Pairing(ctx, token)
}

func (f Funcs) EncodeAttachment(ctx context.Context, payload []byte) ([]byte, error) {
	if f.Attachment == nil {
		return nil, errNotWired
	}
	return f.Attachment(ctx, payload)
}

// WithTimeout wraps a Codec so every encode observes an upper bound, even
// when the underlying implementation ignores ctx. The encode keeps running
// in its goroutine after a timeout; its eventual result is discarded.
func WithTimeout(c Codec, d time.Duration) Codec {
	if d <= 0 {
		return c
	}
	return &timeoutCodec{inner: c, d: d}
}

type timeoutCodec struct {
	inner Codec
	d     time.Duration
}

func (t *timeoutCodec) EncodePairing(ctx context.Context, token string) ([]byte, error) {
	return t.run(ctx, func(ctx context.Context) ([]byte, error) {
		return t.inner.EncodePairing(ctx, token)
	})
}

func (t *timeoutCodec) EncodeAttachment(ctx context.Context, payload []byte) ([]byte, error) {
	return t.run(ctx, func(ctx context.Context) ([]byte, error) {
		return t.inner.EncodeAttachment(ctx, payload)
	})
}

type encodeResult struct {
	img []byte
	err error
}

func (t *timeoutCodec) run(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan encodeResult, 1)
	go func() {
		img, err := fn(ctx)
		done <- encodeResult{img: img, err: err}
	}()

	select {
	case r := <-done:
		return r.img, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
