package proto

import (
	"context"

	"code.hybscloud.com/iox"
)

// Dispatcher is the upward face of both dispatch disciplines. Step drives one
// round of read/dispatch/write. It returns nil if any progress was made,
// ErrNotReady if nothing could progress, or the fatal error that ended the
// connection. Once fatal, Step keeps returning the same error.
type Dispatcher interface {
	Step() error
}

// Drive calls d.Step until it fails fatally or ctx is done, backing off while
// d is not ready.
func Drive(ctx context.Context, d Dispatcher) error {
	return DriveUntil(ctx, d, nil)
}

// DriveUntil is Drive that also stops, returning nil, as soon as done
// reports true. done is checked before every step.
func DriveUntil(ctx context.Context, d Dispatcher, done func() bool) error {
	var bo iox.Backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if done != nil && done() {
			return nil
		}
		err := d.Step()
		switch {
		case err == nil:
			bo.Reset()
		case IsNotReady(err):
			bo.Wait()
		default:
			return err
		}
	}
}
