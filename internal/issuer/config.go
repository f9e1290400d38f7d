package issuer

import (
	"time"

	"go.uber.org/zap"
)

// Config configures token minting and refresh-token lifetimes.
type Config struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RotateRefreshTokens revokes the presented refresh token and returns a new one on every refresh.
	RotateRefreshTokens bool
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Dependencies are the collaborators used by the issuer routes.
type Dependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Clock         Clock
	Logger        *zap.Logger
}

func (dependencies Dependencies) withDefaults() Dependencies {
	if dependencies.Clock == nil {
		dependencies.Clock = systemClock{}
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	return dependencies
}
