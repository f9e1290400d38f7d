package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func TestConfigureCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost:5173"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/api/auth/login/", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/api/auth/login/", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsBlankOrigins(t *testing.T) {
	if _, err := ConfigureCORS(nil, nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for nil origin list, got %v", err)
	}
	if _, err := ConfigureCORS(nil, []string{"  "}); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for whitespace origin, got %v", err)
	}
}

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		origins   []string
		expected  []string
		expectErr error
	}{
		{name: "wildcard", origins: []string{"*"}, expectErr: errWildcardOrigin},
		{name: "path segment", origins: []string{"https://dash.example/app"}, expectErr: errInvalidOrigin},
		{name: "unsupported scheme", origins: []string{"ftp://dash.example"}, expectErr: errInvalidOrigin},
		{name: "credentials in origin", origins: []string{"https://ana@dash.example"}, expectErr: errInvalidOrigin},
		{name: "missing host", origins: []string{"https://"}, expectErr: errInvalidOrigin},
		{
			name:     "deduplicates and normalizes",
			origins:  []string{"HTTPS://dash.example", "https://DASH.example/", "http://localhost:5173"},
			expected: []string{"https://dash.example", "http://localhost:5173"},
		},
		{
			name:     "keeps configured order",
			origins:  []string{"http://127.0.0.1:8080", " https://planta.example ", "http://[::1]:3000"},
			expected: []string{"http://127.0.0.1:8080", "https://planta.example", "http://[::1]:3000"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			sanitized, err := sanitizeOrigins(zaptest.NewLogger(t), testCase.origins)
			if testCase.expectErr != nil {
				if !errors.Is(err, testCase.expectErr) {
					t.Fatalf("expected %v, got %v", testCase.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(sanitized) != len(testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, sanitized)
			}
			for index := range sanitized {
				if sanitized[index] != testCase.expected[index] {
					t.Fatalf("expected %v, got %v", testCase.expected, sanitized)
				}
			}
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	testCases := map[string]bool{
		"localhost":           true,
		"dashboard.localhost": true,
		"127.0.0.1":           true,
		"127.0.1.1":           true,
		"::1":                 true,
		"10.0.0.4":            false,
		"dash.example":        false,
		"localhost.example":   false,
	}
	for host, expected := range testCases {
		if isLoopbackHost(host) != expected {
			t.Fatalf("isLoopbackHost(%q) expected %t", host, expected)
		}
	}
}
