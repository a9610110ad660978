package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateSession(t *testing.T, store *Store, name string) *Session {
	t.Helper()

	session, err := store.CreateSession(context.Background(), CreateSessionInput{
		Name:       name,
		Host:       "10.0.0.1",
		Port:       22,
		Username:   "ubuntu",
		AuthMethod: authMethodPassword,
	})
	if err != nil {
		t.Fatalf("create session %q: %v", name, err)
	}

	return session
}

func strPtr(v string) *string {
	return &v
}

func intPtr(v int) *int {
	return &v
}
