package authclient

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the API root used when Config.BaseURL is empty.
const DefaultBaseURL = "http://localhost:8001/api"

// DefaultRequestTimeout bounds each HTTP exchange when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Token issuer endpoints, relative to the base URL.
const (
	LoginPath    = "/auth/login/"
	RegisterPath = "/auth/register/"
	RefreshPath  = "/auth/refresh/"
	LogoutPath   = "/auth/logout/"
	ProfilePath  = "/auth/profile/"
)

// RequestIDHeader is attached to every outgoing request.
const RequestIDHeader = "X-Request-Id"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Client. Zero values select defaults.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      StateStore
	Logger     *zap.Logger
	Metrics    MetricsRecorder
	Clock      Clock
	// RequestTimeout bounds every exchange. Negative disables the bound.
	RequestTimeout time.Duration
	// RefreshLeeway enables refreshing before a JWT access token expires. Zero disables it.
	RefreshLeeway time.Duration
}
