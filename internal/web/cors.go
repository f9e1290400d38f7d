// Package web holds HTTP plumbing shared by the dev issuer server.
package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS enables cross-origin requests from the dashboard origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-Id"},
		ExposeHeaders:    []string{"Content-Type", "X-Request-Id", "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins normalizes the configured origins to scheme://host, keeping the first occurrence of each.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	sanitized := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		normalized, plainHTTP, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[normalized.String()]; exists {
			continue
		}
		if plainHTTP && !isLoopbackHost(normalized.Hostname()) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized.String()))
		}
		seen[normalized.String()] = struct{}{}
		sanitized = append(sanitized, normalized.String())
	}
	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return sanitized, nil
}

func normalizeOrigin(origin string) (*url.URL, bool, error) {
	if origin == "*" {
		return nil, false, errWildcardOrigin
	}
	parsed, parseErr := url.Parse(origin)
	switch {
	case parseErr != nil || parsed.Host == "":
		return nil, false, fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	case parsed.Path != "" && parsed.Path != "/":
		return nil, false, fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, origin)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return nil, false, fmt.Errorf("%w: %s carries more than scheme and host", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return nil, false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host)}, scheme == "http", nil
}

// isLoopbackHost accepts localhost names and loopback addresses, where plain http is expected during development.
func isLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	address := net.ParseIP(host)
	return address != nil && address.IsLoopback()
}
