// Package authclient issues bearer-authenticated requests against the stay-management API,
// refreshing expired access tokens transparently and retrying the original request once.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Client owns the token lifecycle of one logical session.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	store          StateStore
	logger         *zap.Logger
	metrics        MetricsRecorder
	clock          Clock
	requestTimeout time.Duration
	refreshLeeway  time.Duration

	// stateMutex guards state and generation; store writes happen while it is held.
	stateMutex sync.RWMutex
	state      State
	// generation changes whenever a session is established or cleared, never on refresh.
	generation   uint64
	refreshGroup singleflight.Group
}

// New constructs a Client and loads the persisted state from the configured store.
func New(ctx context.Context, configuration Config) (*Client, error) {
	baseURL := strings.TrimSpace(configuration.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsedBase, parseErr := url.Parse(baseURL)
	if parseErr != nil || parsedBase.Scheme == "" || parsedBase.Host == "" {
		return nil, fmt.Errorf("authclient.new: %w: %q", errMissingBaseURL, baseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	store := configuration.Store
	if store == nil {
		store = NewMemoryStateStore()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	requestTimeout := configuration.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	initialState, loadErr := store.Load(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("authclient.new: %w", loadErr)
	}
	if initialState.Credentials.AccessToken == "" || initialState.User == nil {
		if !initialState.Empty() {
			logger.Warn("discarding partial persisted state",
				zap.String("code", "authclient.state.partial"))
			if clearErr := store.Clear(ctx); clearErr != nil {
				return nil, fmt.Errorf("authclient.new: %w", clearErr)
			}
		}
		initialState = State{}
	}

	return &Client{
		baseURL:        strings.TrimRight(parsedBase.String(), "/"),
		httpClient:     httpClient,
		store:          store,
		logger:         logger,
		metrics:        metrics,
		clock:          clock,
		requestTimeout: requestTimeout,
		refreshLeeway:  configuration.RefreshLeeway,
		state:          initialState,
	}, nil
}

// BaseURL returns the normalized API root.
func (client *Client) BaseURL() string {
	return client.baseURL
}

// IsAuthenticated reports whether an access token and a user are cached. It does not contact the server.
func (client *Client) IsAuthenticated() bool {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.state.Authenticated()
}

// Session returns a copy of the cached state and whether it is authenticated.
func (client *Client) Session() (State, bool) {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.state.clone(), client.state.Authenticated()
}

// Login exchanges email and password for credentials and persists them with the returned user.
func (client *Client) Login(ctx context.Context, email string, password string) (State, error) {
	statusCode, body, err := client.exchangeJSON(ctx, http.MethodPost, LoginPath, loginRequest{Email: email, Password: password}, "")
	if err != nil {
		return State{}, fmt.Errorf("authclient.login: %w", err)
	}
	if !isSuccess(statusCode) {
		client.metrics.Increment(MetricLoginFailure)
		return State{}, &AuthenticationError{StatusCode: statusCode, Message: issuerMessage(statusCode, body)}
	}
	var payload loginResponse
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return State{}, fmt.Errorf("authclient.login: %w: %v", ErrMalformedResponse, decodeErr)
	}
	if payload.Access == "" || payload.User == nil {
		return State{}, fmt.Errorf("authclient.login: %w: missing access token or user", ErrMalformedResponse)
	}
	established := State{
		Credentials: Credentials{AccessToken: payload.Access, RefreshToken: payload.Refresh},
		User:        payload.User,
	}
	if saveErr := client.replaceState(ctx, established); saveErr != nil {
		return State{}, fmt.Errorf("authclient.login: %w", saveErr)
	}
	client.metrics.Increment(MetricLoginSuccess)
	client.logger.Info("session established",
		zap.String("code", "authclient.login.success"),
		zap.String("user_id", string(payload.User.ID)))
	return established.clone(), nil
}

// Register creates an account and persists the returned credentials and user.
func (client *Client) Register(ctx context.Context, registration Registration) (State, error) {
	statusCode, body, err := client.exchangeJSON(ctx, http.MethodPost, RegisterPath, registration, "")
	if err != nil {
		return State{}, fmt.Errorf("authclient.register: %w", err)
	}
	if !isSuccess(statusCode) {
		client.metrics.Increment(MetricRegisterFailure)
		fields := fieldErrors(body)
		return State{}, &ValidationError{
			StatusCode: statusCode,
			Fields:     fields,
			Message:    validationMessage(statusCode, fields),
		}
	}
	var payload registerResponse
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return State{}, fmt.Errorf("authclient.register: %w: %v", ErrMalformedResponse, decodeErr)
	}
	if payload.Tokens.AccessToken == "" || payload.User == nil {
		return State{}, fmt.Errorf("authclient.register: %w: missing tokens or user", ErrMalformedResponse)
	}
	established := State{Credentials: payload.Tokens, User: payload.User}
	if saveErr := client.replaceState(ctx, established); saveErr != nil {
		return State{}, fmt.Errorf("authclient.register: %w", saveErr)
	}
	client.metrics.Increment(MetricRegisterSuccess)
	client.logger.Info("account registered",
		zap.String("code", "authclient.register.success"),
		zap.String("user_id", string(payload.User.ID)))
	return established.clone(), nil
}

// Logout invalidates the refresh token server side on a best-effort basis and always clears local state.
func (client *Client) Logout(ctx context.Context) {
	snapshot, _ := client.Session()
	if snapshot.Credentials.RefreshToken != "" {
		statusCode, _, err := client.exchangeJSON(ctx, http.MethodPost, LogoutPath,
			refreshRequest{Refresh: snapshot.Credentials.RefreshToken}, snapshot.Credentials.AccessToken)
		switch {
		case err != nil:
			client.metrics.Increment(MetricLogoutRemoteError)
			client.logger.Warn("remote logout failed",
				zap.String("code", "authclient.logout.remote_failed"),
				zap.Error(err))
		case !isSuccess(statusCode):
			client.metrics.Increment(MetricLogoutRemoteError)
			client.logger.Warn("remote logout rejected",
				zap.String("code", "authclient.logout.remote_rejected"),
				zap.Int("status", statusCode))
		}
	}
	client.clearState(ctx)
	client.metrics.Increment(MetricLogout)
}

// Profile fetches the current user through Do and refreshes the cached user.
// The cached user is left alone when the session was replaced or cleared while the request was in flight.
func (client *Client) Profile(ctx context.Context) (SessionUser, error) {
	requestedGeneration := client.sessionGeneration()
	var user SessionUser
	if err := client.DoJSON(ctx, http.MethodGet, ProfilePath, nil, &user); err != nil {
		return SessionUser{}, fmt.Errorf("authclient.profile: %w", err)
	}
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	if client.state.Credentials.AccessToken == "" {
		return user, nil
	}
	if client.generation != requestedGeneration {
		client.logger.Debug("discarding profile of a replaced session",
			zap.String("code", "authclient.profile.stale"),
			zap.String("user_id", string(user.ID)))
		return user, nil
	}
	updated := client.state.clone()
	updated.User = &user
	if err := client.store.Save(ctx, updated); err != nil {
		client.logger.Error("persisting profile failed",
			zap.String("code", "authclient.profile.persist_failed"),
			zap.Error(err))
	}
	client.state = updated
	return user, nil
}

// replaceState persists next and then publishes it. On store failure the cached state is unchanged.
func (client *Client) replaceState(ctx context.Context, next State) error {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	if err := client.store.Save(ctx, next); err != nil {
		return err
	}
	client.state = next.clone()
	client.generation++
	return nil
}

// clearState empties the cached state unconditionally; store failures are logged.
func (client *Client) clearState(ctx context.Context) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.clearStateLocked(ctx)
}

func (client *Client) clearStateLocked(ctx context.Context) {
	client.state = State{}
	client.generation++
	if err := client.store.Clear(context.WithoutCancel(ctx)); err != nil {
		client.logger.Error("clearing persisted state failed",
			zap.String("code", "authclient.state.clear_failed"),
			zap.Error(err))
	}
}

func (client *Client) credentials() Credentials {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.state.Credentials
}

func (client *Client) sessionGeneration() uint64 {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.generation
}
