package middleware

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger captures log output for testing
type mockLogger struct {
	messages []string
}

func (m *mockLogger) Print(v ...any) {
	for _, val := range v {
		if s, ok := val.(string); ok {
			m.messages = append(m.messages, s)
		}
	}
}

// Log format: "GET http://example.com/path HTTP/1.1" (version_tag) from 192.0.2.1:1234 - 200 0B in 462ns
var logFormatRegex = regexp.MustCompile(`^"GET http://example\.com/.+ HTTP/1\.1"(?: \(([^)]+)\))? from .+ - 200 0B in .+$`)

func TestChiLoggerAPIVersionTag(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expectedTag string
	}{
		{
			name:        "major-only version in path",
			url:         "/v1/agents",
			expectedTag: "v1",
		},
		{
			name:        "major.minor version in path",
			url:         "/v1.2/agents",
			expectedTag: "v1.2",
		},
		{
			name:        "no version segment",
			url:         "/agents",
			expectedTag: "",
		},
		{
			name:        "url with from in path",
			url:         "/v1/test/from/something",
			expectedTag: "v1",
		},
		{
			name:        "url with from as query param",
			url:         "/v1/test?from=value",
			expectedTag: "v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLogger{}
			formatter := ChiLogFormatterWithAPIVersionTag(mock)
			middleware := chimw.RequestLogger(formatter)

			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rr := httptest.NewRecorder()

			middleware(testHandler).ServeHTTP(rr, req)

			require.Len(t, mock.messages, 1, "expected exactly one log message")

			matches := logFormatRegex.FindStringSubmatch(mock.messages[0])
			require.NotNil(t, matches, "log format did not match expected pattern: %s", mock.messages[0])

			assert.Equal(t, tt.expectedTag, matches[1], "captured version tag mismatch")
		})
	}
}
