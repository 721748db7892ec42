package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggerRecordsRequests(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	handler := Logger(Config{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if !strings.Contains(line, "GET") || !strings.Contains(line, "/api/items") {
		t.Errorf("log line %q missing method or path", line)
	}
	if !strings.Contains(line, "418") {
		t.Errorf("log line %q missing status code", line)
	}
}

func TestLoggerSkipsHealthChecks(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	handler := Logger(Config{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/health", "/livez", "/readyz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if buf.Len() != 0 {
		t.Errorf("health checks were logged: %q", buf.String())
	}

	// Opt-in via config.
	buf.Reset()
	verbose := Logger(Config{LogHealthChecks: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	verbose.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(buf.String(), "/healthz") {
		t.Errorf("LogHealthChecks did not enable health logging: %q", buf.String())
	}
}

func TestResponseWriterDefaultsTo200(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	wrapped := newResponseWriter(rec)

	n, err := wrapped.Write([]byte("implicit ok"))
	if err != nil || n != len("implicit ok") {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if wrapped.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want %d on implicit WriteHeader", wrapped.statusCode, http.StatusOK)
	}
	if wrapped.bytesWritten != int64(len("implicit ok")) {
		t.Errorf("bytesWritten = %d, want %d", wrapped.bytesWritten, len("implicit ok"))
	}
}

func TestMetricsPassesThrough(t *testing.T) {
	t.Parallel()

	var served bool
	handler := Metrics()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	if !served {
		t.Error("wrapped handler was not invoked")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestSanitizeLogField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "clean path", input: "/api/items", want: "/api/items"},
		{name: "newline replaced", input: "/a\nb", want: "/a b"},
		{name: "carriage return replaced", input: "/a\rb", want: "/a b"},
		{name: "control chars stripped", input: "/a\x00\x1bb", want: "/ab"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sanitizeLogField(tt.input); got != tt.want {
				t.Errorf("sanitizeLogField(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
