package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// endpoint resolves path against the base URL. Absolute URLs pass through.
func (client *Client) endpoint(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return client.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (client *Client) boundedContext(parent context.Context) (context.Context, context.CancelFunc) {
	if client.requestTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, client.requestTimeout)
}

// roundTrip sends request under the per-request timeout. The timeout stays armed until the body is closed.
func (client *Client) roundTrip(request *http.Request) (*http.Response, error) {
	parent := request.Context()
	bounded, cancel := client.boundedContext(parent)
	if request.Header.Get(RequestIDHeader) == "" {
		request.Header.Set(RequestIDHeader, uuid.NewString())
	}
	response, err := client.httpClient.Do(request.WithContext(bounded))
	if err != nil {
		cancel()
		return nil, classifyTransportError(parent, bounded, err)
	}
	response.Body = &boundedBody{ReadCloser: response.Body, parent: parent, bounded: bounded, cancel: cancel}
	return response, nil
}

// classifyTransportError marks errors caused by our own deadline with ErrTimeout and leaves others untouched.
func classifyTransportError(parent context.Context, bounded context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

type boundedBody struct {
	io.ReadCloser
	parent  context.Context
	bounded context.Context
	cancel  context.CancelFunc
}

func (body *boundedBody) Read(buffer []byte) (int, error) {
	count, err := body.ReadCloser.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return count, classifyTransportError(body.parent, body.bounded, err)
	}
	return count, err
}

func (body *boundedBody) Close() error {
	defer body.cancel()
	return body.ReadCloser.Close()
}

// exchangeJSON performs an unauthenticated-or-explicit-bearer JSON call against the issuer.
func (client *Client) exchangeJSON(ctx context.Context, method string, path string, payload any, bearer string) (int, []byte, error) {
	var requestBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		requestBody = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.endpoint(path), requestBody)
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := client.roundTrip(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return response.StatusCode, nil, readErr
	}
	return response.StatusCode, body, nil
}

// replayableBody returns a factory producing fresh copies of the request body.
func replayableBody(request *http.Request) (func() (io.ReadCloser, error), error) {
	if request.Body == nil || request.Body == http.NoBody {
		return nil, nil
	}
	if request.GetBody != nil {
		return request.GetBody, nil
	}
	buffered, err := io.ReadAll(request.Body)
	_ = request.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buffered)), nil
	}, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func drain(response *http.Response) {
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}
