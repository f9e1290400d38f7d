package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var errEmptyStatePath = errors.New("state_store.file.empty_path")

// FileStateStore persists the state as a JSON object with the three state keys.
type FileStateStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStateStore constructs a store backed by the file at path.
func NewFileStateStore(path string) (*FileStateStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state_store.file.open: %w", errEmptyStatePath)
	}
	return &FileStateStore{path: path}, nil
}

// Path returns the backing file path.
func (store *FileStateStore) Path() string {
	return store.path
}

// Load reads the file. A missing file yields an empty state.
func (store *FileStateStore) Load(ctx context.Context) (State, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	data, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("state_store.file.load: %w", readErr)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return State{}, fmt.Errorf("state_store.file.load: %w", err)
	}
	return DecodeState(values)
}

// Save writes the state to a temp file and renames it over the previous one.
func (store *FileStateStore) Save(ctx context.Context, state State) error {
	values, encodeErr := EncodeState(state)
	if encodeErr != nil {
		return encodeErr
	}
	data, marshalErr := json.MarshalIndent(values, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("state_store.file.save: %w", marshalErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if directory := filepath.Dir(store.path); directory != "" {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("state_store.file.save: %w", err)
		}
	}
	tempPath := store.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("state_store.file.save: %w", err)
	}
	if err := os.Rename(tempPath, store.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("state_store.file.save: %w", err)
	}
	return nil
}

// Clear removes the file. Clearing a missing file is not an error.
func (store *FileStateStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if err := os.Remove(store.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state_store.file.clear: %w", err)
	}
	return nil
}
