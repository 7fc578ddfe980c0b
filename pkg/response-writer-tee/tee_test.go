package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecordsResponse(t *testing.T) {
	w := httptest.NewRecorder()
	rec := NewResponseRecorder(w)
	if rec.WroteHeader() {
		t.Fatal("Header written before anything was sent")
	}
	rec.Header().Set("Content-Type", "text/plain")
	io.WriteString(rec, "hello")
	io.WriteString(rec, " world")

	if !rec.WroteHeader() || rec.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rec.StatusCode())
	}
	if rec.BytesWritten() != 11 {
		t.Fatalf("Bytes written is %d", rec.BytesWritten())
	}
	if w.Body.String() != "hello world" || w.Header().Get("Content-Type") != "text/plain" {
		t.Fatal("Response not passed through")
	}
}

func TestStatusSentOnce(t *testing.T) {
	w := httptest.NewRecorder()
	rec := NewResponseRecorder(w)
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusBadGateway)
	if rec.StatusCode() != http.StatusNotFound || w.Code != http.StatusNotFound {
		t.Fatalf("Status is %d, underlying %d", rec.StatusCode(), w.Code)
	}
}
