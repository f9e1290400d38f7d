package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys of the persisted state layout. All three are written and cleared together.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	UserKey         = "user"
)

var errCorruptState = errors.New("state_store.corrupt_user")

// StateStore persists the authentication state between process restarts.
type StateStore interface {
	// Load returns the stored state, or an empty State when nothing is stored.
	Load(ctx context.Context) (State, error)
	// Save replaces the stored state as a single unit.
	Save(ctx context.Context, state State) error
	// Clear removes every key of the stored state.
	Clear(ctx context.Context) error
}

// EncodeState flattens a State into the three-key layout.
func EncodeState(state State) (map[string]string, error) {
	values := map[string]string{
		AccessTokenKey:  state.Credentials.AccessToken,
		RefreshTokenKey: state.Credentials.RefreshToken,
		UserKey:         "",
	}
	if state.User != nil {
		encodedUser, err := json.Marshal(state.User)
		if err != nil {
			return nil, fmt.Errorf("state_store.encode: %w", err)
		}
		values[UserKey] = string(encodedUser)
	}
	return values, nil
}

// DecodeState rebuilds a State from the three-key layout. Missing keys decode as empty.
func DecodeState(values map[string]string) (State, error) {
	state := State{
		Credentials: Credentials{
			AccessToken:  values[AccessTokenKey],
			RefreshToken: values[RefreshTokenKey],
		},
	}
	if encodedUser := values[UserKey]; encodedUser != "" {
		var user SessionUser
		if err := json.Unmarshal([]byte(encodedUser), &user); err != nil {
			return State{}, fmt.Errorf("state_store.decode: %w: %v", errCorruptState, err)
		}
		state.User = &user
	}
	return state, nil
}
