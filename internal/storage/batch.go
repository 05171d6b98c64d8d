package storage

import (
	"log/slog"
	"time"
)

// BatchWorker buffers items from a channel and hands them to save in
// batches of size, or whenever interval passes with a partial batch.
type BatchWorker[T any] struct {
	size     int
	interval time.Duration
	save     func([]T) error
	log      *slog.Logger
	done     chan struct{}
	failed   int
}

// StartBatchWorker consumes in until it is closed, flushes what is left and
// then closes the channel returned by Done.
func StartBatchWorker[T any](in <-chan T, size int, interval time.Duration, save func([]T) error, log *slog.Logger) *BatchWorker[T] {
	if size < 1 {
		size = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	w := &BatchWorker[T]{size: size, interval: interval, save: save, log: log, done: make(chan struct{})}
	go w.run(in)
	return w
}

// Done is closed after the final flush.
func (w *BatchWorker[T]) Done() <-chan struct{} { return w.done }

// Failed is the number of items whose batch could not be saved. Only valid
// after Done is closed.
func (w *BatchWorker[T]) Failed() int { return w.failed }

func (w *BatchWorker[T]) run(in <-chan T) {
	defer close(w.done)

	buffer := make([]T, 0, w.size)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := w.save(buffer); err != nil {
			w.failed += len(buffer)
			w.log.Warn("batch save failed", "items", len(buffer), "error", err)
		}
		buffer = buffer[:0]
	}

	for {
		select {
		case item, ok := <-in:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, item)
			if len(buffer) >= w.size {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
