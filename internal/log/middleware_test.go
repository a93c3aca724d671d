package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "WARN"},
		{name: "server error", status: http.StatusInternalServerError, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := New(Config{Level: slog.LevelInfo, Component: ComponentApp, Format: "json", Output: &buf})

			var sawLogger bool
			h := RequestLogger(base,
				func(*http.Request) string { return "req-1" },
				func(*http.Request) string { return "10.0.0.1" },
			)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawLogger = FromContext(r.Context()).Component() == ComponentHTTP
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/classes?x=1", nil))

			if !sawLogger {
				t.Error("handler did not receive the request logger")
			}
			lines := decodeLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("got %d log lines, want 1 (start is debug)", len(lines))
			}
			got := lines[0]
			if got["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", got["level"], tt.wantLevel)
			}
			if got[FieldStatusCode] != float64(tt.status) {
				t.Errorf("%s = %v, want %d", FieldStatusCode, got[FieldStatusCode], tt.status)
			}
			if got[FieldRequestID] != "req-1" || got[FieldClientIP] != "10.0.0.1" {
				t.Errorf("request fields = %v / %v", got[FieldRequestID], got[FieldClientIP])
			}
			if got[FieldComponent] != ComponentHTTP {
				t.Errorf("component = %v, want %s", got[FieldComponent], ComponentHTTP)
			}
		})
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	l := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if l == nil || l.Component() != "unknown" {
		t.Errorf("FromContext() = %+v, want default logger with unknown component", l)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
