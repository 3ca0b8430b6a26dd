package transfer

import "time"

// Callbacks provides hooks for transfer lifecycle events. All callbacks
// are optional; nil callbacks are skipped. They fire from inside Poll,
// on the session's polling goroutine.
type Callbacks struct {
	// OnProgress fires at the configured progress interval while a
	// transfer is active. total is 0 when the size is not yet known.
	OnProgress func(transferred, total int64)

	// OnComplete fires once when a transfer finishes successfully.
	OnComplete func(filename string, bytes int64, duration time.Duration)

	// OnError fires once when a transfer ends in error.
	OnError func(err error)
}

func (c Callbacks) progress(transferred, total int64) {
	if c.OnProgress != nil {
		c.OnProgress(transferred, total)
	}
}

func (c Callbacks) complete(filename string, bytes int64, duration time.Duration) {
	if c.OnComplete != nil {
		c.OnComplete(filename, bytes, duration)
	}
}

func (c Callbacks) failed(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
