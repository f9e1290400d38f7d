package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Refresh obtains a new access token with the stored refresh token.
// Concurrent calls holding the same refresh token share one request to the issuer.
// A missing or rejected refresh token clears the state and yields ErrSessionExpired;
// transport errors are returned as they are and leave the state untouched.
func (client *Client) Refresh(ctx context.Context) (string, error) {
	return client.refreshFrom(ctx, client.credentials())
}

// refreshAfter returns an access token newer than staleToken, refreshing only when nobody else already did.
func (client *Client) refreshAfter(ctx context.Context, staleToken string) (string, error) {
	snapshot := client.credentials()
	if snapshot.AccessToken != "" && snapshot.AccessToken != staleToken {
		client.metrics.Increment(MetricRefreshCoalesced)
		return snapshot.AccessToken, nil
	}
	return client.refreshFrom(ctx, snapshot)
}

func (client *Client) refreshFrom(ctx context.Context, snapshot Credentials) (string, error) {
	if snapshot.RefreshToken == "" {
		client.stateMutex.Lock()
		if client.state.Credentials == snapshot {
			client.clearStateLocked(ctx)
		}
		client.stateMutex.Unlock()
		client.metrics.Increment(MetricRefreshFailure)
		client.metrics.Increment(MetricSessionExpired)
		return "", fmt.Errorf("authclient.refresh: %w: %w", ErrSessionExpired, ErrMissingRefreshToken)
	}

	flightContext := context.WithoutCancel(ctx)
	resultChannel := client.refreshGroup.DoChan(snapshot.RefreshToken, func() (any, error) {
		return client.performRefresh(flightContext, snapshot)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("authclient.refresh: %w", ctx.Err())
	case result := <-resultChannel:
		if result.Shared {
			client.metrics.Increment(MetricRefreshCoalesced)
		}
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

// superseded returns the token that replaced snapshot, if the session moved on since it was taken.
func (client *Client) superseded(snapshot Credentials) (string, bool, error) {
	current := client.credentials()
	if current == snapshot {
		return "", false, nil
	}
	if current.AccessToken == "" {
		return "", true, fmt.Errorf("authclient.refresh: %w", ErrSessionExpired)
	}
	return current.AccessToken, true, nil
}

func (client *Client) performRefresh(ctx context.Context, snapshot Credentials) (string, error) {
	if current, changed, err := client.superseded(snapshot); changed {
		return current, err
	}
	refreshToken := snapshot.RefreshToken
	statusCode, body, err := client.exchangeJSON(ctx, http.MethodPost, RefreshPath, refreshRequest{Refresh: refreshToken}, "")
	if err != nil {
		client.metrics.Increment(MetricRefreshFailure)
		client.logger.Warn("token refresh transport failure",
			zap.String("code", "authclient.refresh.transport_failed"),
			zap.Error(err))
		return "", fmt.Errorf("authclient.refresh: %w", err)
	}

	var payload refreshResponse
	var rejection error
	switch {
	case !isSuccess(statusCode):
		rejection = &IssuerRejectedError{StatusCode: statusCode}
	default:
		if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil || payload.Access == "" {
			rejection = fmt.Errorf("%w: refresh response without access token", ErrMalformedResponse)
		}
	}

	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()

	if client.state.Credentials != snapshot {
		// The session changed underneath us (logout, new login, or a newer refresh).
		if client.state.Credentials.AccessToken != "" {
			return client.state.Credentials.AccessToken, nil
		}
		return "", fmt.Errorf("authclient.refresh: %w", ErrSessionExpired)
	}

	if rejection != nil {
		client.clearStateLocked(ctx)
		client.metrics.Increment(MetricRefreshFailure)
		client.metrics.Increment(MetricSessionExpired)
		client.logger.Info("session expired",
			zap.String("code", "authclient.refresh.rejected"),
			zap.Int("status", statusCode))
		return "", fmt.Errorf("authclient.refresh: %w: %w", ErrSessionExpired, rejection)
	}

	next := client.state.clone()
	next.Credentials.AccessToken = payload.Access
	if payload.Refresh != "" {
		next.Credentials.RefreshToken = payload.Refresh
	}
	// The issuer may already have revoked the old refresh token, so the new pair is kept in memory
	// even when persisting it fails.
	if saveErr := client.store.Save(ctx, next); saveErr != nil {
		client.logger.Error("persisting refreshed credentials failed",
			zap.String("code", "authclient.refresh.persist_failed"),
			zap.Error(saveErr))
	}
	client.state = next
	client.metrics.Increment(MetricRefreshSuccess)
	client.logger.Debug("access token refreshed",
		zap.String("code", "authclient.refresh.success"),
		zap.Bool("rotated", payload.Refresh != ""))
	return payload.Access, nil
}

func isSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
