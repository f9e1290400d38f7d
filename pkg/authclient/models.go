package authclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Credentials hold the bearer token pair issued by the token issuer.
type Credentials struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

// UserID accepts both JSON strings and JSON numbers.
type UserID string

// UnmarshalJSON decodes a string or numeric identifier.
func (identifier *UserID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*identifier = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*identifier = UserID(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*identifier = UserID(number.String())
	return nil
}

// SessionUser is the profile cached alongside the credentials.
type SessionUser struct {
	ID        UserID     `json:"id"`
	Email     string     `json:"email"`
	Nombre    string     `json:"nombre"`
	Apellido  string     `json:"apellido"`
	Rol       string     `json:"rol"`
	IsStaff   bool       `json:"is_staff"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// FullName joins nombre and apellido.
func (user SessionUser) FullName() string {
	return strings.TrimSpace(user.Nombre + " " + user.Apellido)
}

// State is the persisted authentication tuple.
type State struct {
	Credentials Credentials
	User        *SessionUser
}

// Authenticated reports whether both an access token and a user are present.
func (state State) Authenticated() bool {
	return state.Credentials.AccessToken != "" && state.User != nil
}

// Empty reports whether nothing is stored.
func (state State) Empty() bool {
	return state.Credentials.AccessToken == "" && state.Credentials.RefreshToken == "" && state.User == nil
}

func (state State) clone() State {
	cloned := State{Credentials: state.Credentials}
	if state.User != nil {
		userCopy := *state.User
		cloned.User = &userCopy
	}
	return cloned
}

// Registration carries the fields sent to the register endpoint.
type Registration struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	Nombre          string `json:"nombre"`
	Apellido        string `json:"apellido"`
	Rol             string `json:"rol,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access  string       `json:"access"`
	Refresh string       `json:"refresh"`
	User    *SessionUser `json:"user"`
}

type registerResponse struct {
	Message string       `json:"message"`
	User    *SessionUser `json:"user"`
	Tokens  Credentials  `json:"tokens"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}
