package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors exposed by the client.
var (
	ErrAuthentication      = errors.New("authclient.authentication_failed")
	ErrValidation          = errors.New("authclient.validation_failed")
	ErrNotAuthenticated    = errors.New("authclient.not_authenticated")
	ErrSessionExpired      = errors.New("authclient.session_expired")
	ErrMissingRefreshToken = errors.New("authclient.missing_refresh_token")
	ErrTimeout             = errors.New("authclient.timeout")
	ErrUnexpectedStatus    = errors.New("authclient.unexpected_status")
	ErrMalformedResponse   = errors.New("authclient.malformed_response")

	errMissingBaseURL = errors.New("authclient.missing_base_url")
)

// AuthenticationError reports rejected login credentials.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (authErr *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAuthentication.Error(), authErr.Message)
}

// Is matches ErrAuthentication.
func (authErr *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// ValidationError reports a rejected registration payload.
type ValidationError struct {
	StatusCode int
	Fields     map[string][]string
	Message    string
}

func (validationErr *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), validationErr.Message)
}

// Is matches ErrValidation.
func (validationErr *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IssuerRejectedError reports a non-success answer from the refresh endpoint.
type IssuerRejectedError struct {
	StatusCode int
}

func (rejectedErr *IssuerRejectedError) Error() string {
	return fmt.Sprintf("authclient.refresh_rejected: status %d", rejectedErr.StatusCode)
}

// StatusError is returned by DoJSON for non-success responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (statusErr *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", ErrUnexpectedStatus.Error(), statusErr.StatusCode)
}

// Is matches ErrUnexpectedStatus.
func (statusErr *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

var messageKeys = []string{"detail", "error", "message", "non_field_errors"}

// issuerMessage extracts {detail} or {error} from an error body.
func issuerMessage(statusCode int, body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range messageKeys {
			if raw, ok := payload[key]; ok {
				if messages := decodeMessages(raw); len(messages) > 0 {
					return strings.Join(messages, ", ")
				}
			}
		}
	}
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", statusCode)
}

// fieldErrors decodes a field-keyed error map. Values may be strings or string lists.
func fieldErrors(body []byte) map[string][]string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	fields := make(map[string][]string, len(payload))
	for key, raw := range payload {
		if messages := decodeMessages(raw); len(messages) > 0 {
			fields[key] = messages
		}
	}
	return fields
}

func decodeMessages(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil
		}
		return []string{single}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err == nil {
		var collected []string
		for _, value := range nested {
			collected = append(collected, decodeMessages(value)...)
		}
		sort.Strings(collected)
		return collected
	}
	return nil
}

// validationMessage renders field errors as "field: a, b; other: c" with general keys unprefixed.
func validationMessage(statusCode int, fields map[string][]string) string {
	if len(fields) == 0 {
		return issuerMessage(statusCode, nil)
	}
	general := make(map[string]struct{}, len(messageKeys))
	for _, key := range messageKeys {
		general[key] = struct{}{}
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		joined := strings.Join(fields[key], ", ")
		if _, isGeneral := general[key]; isGeneral {
			parts = append(parts, joined)
			continue
		}
		parts = append(parts, key+": "+joined)
	}
	return strings.Join(parts, "; ")
}
