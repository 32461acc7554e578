package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// sinkWriter fans each line out to every sink under one lock. Lines are
// flushed as they are written, so Flush only matters after a failed write.
// The first error is sticky and ends all further output.
type sinkWriter struct {
	mu     sync.Mutex
	sinks  []*bufio.Writer
	err    error
	closed bool
}

func newSinkWriter(writers []io.Writer, bufSize int) *sinkWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &sinkWriter{}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	return w
}

var errSinkClosed = errors.New("logger: sink closed")

func (w *sinkWriter) Write(line []byte) error {
	if len(line) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.err != nil:
		return w.err
	case w.closed:
		return errSinkClosed
	}
	for _, s := range w.sinks {
		if _, err := s.Write(line); err != nil {
			w.err = err
			return err
		}
		if err := s.Flush(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

func (w *sinkWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *sinkWriter) flushLocked() error {
	errs := []error{w.err}
	for _, s := range w.sinks {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

// Close flushes what is left and rejects further writes.
func (w *sinkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true
	return w.flushLocked()
}
