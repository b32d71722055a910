package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriterDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}
	_, _ = sw.Write([]byte("hello"))
	if sw.Status != http.StatusOK || sw.Bytes != 5 {
		t.Fatalf("expected 200/5, got %d/%d", sw.Status, sw.Bytes)
	}
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "unknown_set", map[string]any{"set": "x"})
	if rec.Code != http.StatusNotFound || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %v", rec.Code, rec.Header())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "unknown_set" || body["set"] != "x" {
		t.Fatalf("unexpected body %v", body)
	}
}
