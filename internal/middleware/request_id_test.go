package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name         string
		header       string
		wantPreserve bool
	}{
		{"generates when absent", "", false},
		{"keeps a valid id", "existing-req-123", true},
		{"replaces invalid characters", "invalid@request$id", false},
		{"replaces too short", "abc", false},
		{"replaces too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header %q does not match context id %q", rec.Header().Get(RequestIDHeader), seen)
			}
			if tt.wantPreserve {
				if seen != tt.header {
					t.Errorf("expected %q to be preserved, got %q", tt.header, seen)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("generated id %q is not a UUID: %v", seen, err)
			}
		})
	}
}

func TestRequestID_Unique(t *testing.T) {
	ids := make(map[string]bool)
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		id := rec.Header().Get(RequestIDHeader)
		if ids[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		ids[id] = true
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context returned %q", got)
	}
	ctx := WithRequestID(context.Background(), "req-1234")
	if got := RequestIDFromContext(ctx); got != "req-1234" {
		t.Errorf("RequestIDFromContext() = %q", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	valid := []string{"abcd", "req_1-2", uuid.NewString(), strings.Repeat("x", 64)}
	invalid := []string{"", "abc", "has space", "semi;colon", strings.Repeat("x", 65)}

	for _, id := range valid {
		if !isValidRequestID(id) {
			t.Errorf("%q should be valid", id)
		}
	}
	for _, id := range invalid {
		if isValidRequestID(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}
