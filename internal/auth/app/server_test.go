package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vaultgate/internal/auth/storage/sqlite"
)

func testSessionKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestNewServesAndShutsDown(t *testing.T) {
	t.Setenv("VAULTGATE_DB_PATH", filepath.Join(t.TempDir(), "auth.db"))
	t.Setenv("VAULTGATE_SESSION_KEY", testSessionKey())

	server, err := New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("expected listener address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	resp, err := http.Post("http://"+server.Addr()+"/v1/flows", "application/json", nil)
	if err != nil {
		cancel()
		t.Fatalf("start flow: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		cancel()
		t.Fatalf("start flow status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRequiresSessionKey(t *testing.T) {
	t.Setenv("VAULTGATE_DB_PATH", filepath.Join(t.TempDir(), "auth.db"))
	t.Setenv("VAULTGATE_SESSION_KEY", "")

	if _, err := New("127.0.0.1:0"); err == nil {
		t.Fatal("expected error without session key")
	}
}

func TestBootstrapUsersSeedsAccounts(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	raw := "alice@example.com:secret one:Alice, bob@example.com:secret two"
	if err := bootstrapUsers(store, raw); err != nil {
		t.Fatalf("bootstrap users: %v", err)
	}

	alice, err := store.GetUserByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if alice.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", alice.DisplayName)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(alice.PasswordHash), []byte("secret one")); err != nil {
		t.Errorf("alice password hash mismatch: %v", err)
	}

	bob, err := store.GetUserByEmail(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bob.DisplayName != "bob@example.com" {
		t.Errorf("display name = %q, want email fallback", bob.DisplayName)
	}

	// A second run keeps the stored hash.
	if err := bootstrapUsers(store, "alice@example.com:changed"); err != nil {
		t.Fatalf("bootstrap again: %v", err)
	}
	again, err := store.GetUserByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("get alice again: %v", err)
	}
	if again.PasswordHash != alice.PasswordHash {
		t.Error("expected existing hash to be preserved")
	}
}

func TestBootstrapUsersRejectsBadEntry(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := bootstrapUsers(store, "missing-password"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}
