package authstatepg

import (
	"context"
	"os"
	"testing"

	"github.com/tyemirov/staysession/pkg/authclient"
)

func TestPostgresStateStoreRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("APP_TEST_POSTGRES_URL")
	if databaseURL == "" {
		t.Skip("APP_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	state := authclient.State{
		Credentials: authclient.Credentials{AccessToken: "A1", RefreshToken: "R1"},
		User:        &authclient.SessionUser{ID: "7", Email: "medico@hospital.example", Rol: "medico"},
	}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Credentials != state.Credentials || loaded.User == nil || loaded.User.Email != state.User.Email {
		t.Fatalf("unexpected round trip %+v", loaded)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	cleared, err := store.Load(ctx)
	if err != nil || !cleared.Empty() {
		t.Fatalf("expected empty state after clear, got %+v (%v)", cleared, err)
	}
}

func TestOpenRejectsInvalidURL(t *testing.T) {
	if _, err := Open(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected error for invalid url")
	}
}
