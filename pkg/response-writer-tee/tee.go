package tee

import (
	"net/http"
	"time"
)

// ResponseRecorder is a wrapper around http.ResponseWriter that records what
// has been written through it: the status code and the number of body bytes.
type ResponseRecorder struct {
	rw          http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
	CreatedAt   time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	// the status line can only be sent once
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.bytes += int64(n)
	return n, err
}

// WroteHeader reports whether the status line has been sent.
// After that the response can no longer be replaced.
func (t *ResponseRecorder) WroteHeader() bool {
	return t.wroteHeader
}

// StatusCode returns the status code of the response, or 0 if nothing was written.
func (t *ResponseRecorder) StatusCode() int {
	return t.status
}

// BytesWritten returns the number of body bytes written.
func (t *ResponseRecorder) BytesWritten() int64 {
	return t.bytes
}

// Elapsed returns the time since the recorder was created.
func (t *ResponseRecorder) Elapsed() time.Duration {
	return time.Since(t.CreatedAt)
}

// NewResponseRecorder returns a new ResponseRecorder writing to w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: time.Now(),
		rw:        w,
	}
}
