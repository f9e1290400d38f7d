package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// NewRequest builds a request for path relative to the base URL.
func (client *Client) NewRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, client.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("authclient.new_request: %w", err)
	}
	return request, nil
}

// Do sends request with the current access token. On 401 it refreshes the token and reissues the
// request exactly once, returning the second response whatever its status. Any other status is
// returned untouched. A failed refresh clears the session and yields ErrSessionExpired.
func (client *Client) Do(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	accessToken := client.credentials().AccessToken
	if accessToken == "" {
		return nil, fmt.Errorf("authclient.do: %w", ErrNotAuthenticated)
	}
	replay, bodyErr := replayableBody(request)
	if bodyErr != nil {
		return nil, fmt.Errorf("authclient.do: %w", bodyErr)
	}

	if client.refreshLeeway > 0 {
		if expiresAt, ok := AccessTokenExpiry(accessToken); ok && !client.clock.Now().Add(client.refreshLeeway).Before(expiresAt) {
			refreshedToken, refreshErr := client.refreshAfter(ctx, accessToken)
			switch {
			case refreshErr == nil:
				client.metrics.Increment(MetricRefreshProactive)
				accessToken = refreshedToken
			case isSessionExpired(refreshErr):
				return nil, fmt.Errorf("authclient.do: %w", refreshErr)
			default:
				client.logger.Warn("proactive refresh failed; using current token",
					zap.String("code", "authclient.do.proactive_refresh_failed"),
					zap.Error(refreshErr))
			}
		}
	}

	response, err := client.attempt(request, replay, accessToken)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}
	drain(response)

	refreshedToken, refreshErr := client.refreshAfter(ctx, accessToken)
	if refreshErr != nil {
		return nil, fmt.Errorf("authclient.do: %w", refreshErr)
	}
	client.metrics.Increment(MetricRequestRetry)
	return client.attempt(request, replay, refreshedToken)
}

func (client *Client) attempt(original *http.Request, replay func() (io.ReadCloser, error), accessToken string) (*http.Response, error) {
	request := original.Clone(original.Context())
	if replay != nil {
		body, err := replay()
		if err != nil {
			return nil, fmt.Errorf("authclient.do: %w", err)
		}
		request.Body = body
		request.GetBody = replay
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	return client.roundTrip(request)
}

// DoJSON sends in as JSON (when non-nil) through Do and decodes a success body into out (when non-nil).
// Non-success statuses become *StatusError.
func (client *Client) DoJSON(ctx context.Context, method string, path string, in any, out any) error {
	var requestBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authclient.do_json: %w", err)
		}
		requestBody = bytes.NewReader(encoded)
	}
	request, err := client.NewRequest(ctx, method, path, requestBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if in != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("authclient.do_json: %w", readErr)
	}
	if !isSuccess(response.StatusCode) {
		return &StatusError{StatusCode: response.StatusCode, Body: body}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(body, out); decodeErr != nil {
		return fmt.Errorf("authclient.do_json: %w: %v", ErrMalformedResponse, decodeErr)
	}
	return nil
}
