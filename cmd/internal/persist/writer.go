package persist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokengate/cmd/internal/admission"
)

const (
	// DefaultDebounce is how long the Writer waits after a change before saving.
	DefaultDebounce = 250 * time.Millisecond

	finalFlushTimeout = 5 * time.Second

	// A failed save is retried after this delay, or by the final flush.
	defaultRetryDelay = time.Second
)

// Writer saves registry snapshots in the background.
//
// Notify is cheap and never blocks: it fills a one-slot channel. Any number
// of changes that arrive while a save is pending collapse into that slot, and
// the save always takes a fresh snapshot, so the last write reflects every
// change that was notified before it started.
type Writer struct {
	store    Store
	snapshot func() []admission.Record
	debounce time.Duration
	log      *slog.Logger

	dirty      chan struct{}
	observe    func(time.Duration, error)
	retryDelay time.Duration
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithDebounce overrides DefaultDebounce. Zero saves on every wakeup.
func WithDebounce(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWriterLogger sets the logger.
func WithWriterLogger(log *slog.Logger) WriterOption {
	return func(w *Writer) {
		if log != nil {
			w.log = log
		}
	}
}

// WithSaveObserver is called after every save attempt (metrics).
func WithSaveObserver(fn func(time.Duration, error)) WriterOption {
	return func(w *Writer) { w.observe = fn }
}

// NewWriter builds a Writer that saves snapshot() to store.
func NewWriter(store Store, snapshot func() []admission.Record, opts ...WriterOption) (*Writer, error) {
	if store == nil || snapshot == nil {
		return nil, errors.New("persist: writer needs a store and a snapshot func")
	}
	w := &Writer{
		store:    store,
		snapshot: snapshot,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		dirty:    make(chan struct{}, 1),

		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Notify marks the registry dirty. Safe to call from any goroutine.
func (w *Writer) Notify() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Run saves after each notification until ctx is done, then flushes any
// pending change once more with a short independent timeout.
func (w *Writer) Run(ctx context.Context) error {
	w.log.Info("persist.start", "store", w.store.Name(), "debounce", w.debounce.String())

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return nil
		case <-w.dirty:
		}

		if w.debounce > 0 {
			t := time.NewTimer(w.debounce)
			select {
			case <-ctx.Done():
				t.Stop()
				w.Notify()
				w.finalFlush()
				return nil
			case <-t.C:
			}
		}

		if err := w.Flush(ctx); err != nil {
			// The slot was consumed by this attempt; re-arm it so the
			// unsaved state is not forgotten.
			w.Notify()
			t := time.NewTimer(w.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				w.finalFlush()
				return nil
			case <-t.C:
			}
		}
	}
}

// Flush saves the current snapshot now. Failures are logged and returned;
// they never affect the registry.
func (w *Writer) Flush(ctx context.Context) error {
	start := time.Now()
	recs := w.snapshot()
	err := w.store.Save(ctx, recs)
	dur := time.Since(start)

	if err != nil {
		w.log.Error("persist.save.fail", "store", w.store.Name(), "sessions", len(recs), "err", err)
	} else {
		w.log.Debug("persist.save", "store", w.store.Name(), "sessions", len(recs), "duration_ms", dur.Milliseconds())
	}
	if w.observe != nil {
		w.observe(dur, err)
	}
	return err
}

func (w *Writer) finalFlush() {
	select {
	case <-w.dirty:
	default:
		w.log.Info("persist.stop")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	_ = w.Flush(ctx)
	w.log.Info("persist.stop", "final_flush", true)
}
