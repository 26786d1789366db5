package cache

import (
	"bytes"
	"io"
)

// remoteError marks an error that originated in the bucket writer or reader,
// as opposed to the caller supplied entry or sink.
type remoteError struct{ err error }

func (e remoteError) Error() string { return e.err.Error() }
func (e remoteError) Unwrap() error { return e.err }

// spoolWriter buffers up to limit bytes in memory. Entries that fit are
// uploaded with a known size once finished; as soon as the limit would be
// exceeded the buffer is flushed into a streaming upload and every further
// write goes straight to it.
type spoolWriter struct {
	limit int64
	open  func(size int64) (io.WriteCloser, error)

	buf bytes.Buffer
	w   io.WriteCloser
}

func newSpoolWriter(limit int64, open func(size int64) (io.WriteCloser, error)) *spoolWriter {
	return &spoolWriter{limit: limit, open: open}
}

func (s *spoolWriter) Write(p []byte) (int, error) {
	if s.w == nil {
		if int64(s.buf.Len()+len(p)) <= s.limit {
			return s.buf.Write(p)
		}
		if err := s.startStreaming(); err != nil {
			return 0, err
		}
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, remoteError{err}
	}
	return n, nil
}

func (s *spoolWriter) startStreaming() error {
	w, err := s.open(-1)
	if err != nil {
		return remoteError{err}
	}
	s.w = w
	if _, err := s.buf.WriteTo(w); err != nil {
		return remoteError{err}
	}
	// Release the spool, it is not needed once streaming.
	s.buf = bytes.Buffer{}
	return nil
}

// spooled reports how many bytes are held in memory.
func (s *spoolWriter) spooled() int { return s.buf.Len() }

// finish commits the upload. Small entries are sent here in one request.
// When the spooled bytes cannot be handed to the writer the upload is left
// open; the caller cancels its context and then calls abort.
func (s *spoolWriter) finish() error {
	if s.w == nil {
		w, err := s.open(int64(s.buf.Len()))
		if err != nil {
			return err
		}
		s.w = w
		if _, err := s.buf.WriteTo(w); err != nil {
			return err
		}
	}
	w := s.w
	s.w = nil
	return w.Close()
}

// abort closes a started upload. The caller must have cancelled the upload
// context first so that Close does not commit a partial object.
func (s *spoolWriter) abort() {
	if s.w != nil {
		s.w.Close()
		s.w = nil
	}
}

// remoteReader tags read errors so a failing download can be told apart from
// a failing sink.
type remoteReader struct{ r io.Reader }

func (r remoteReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		return n, remoteError{err}
	}
	return n, err
}
