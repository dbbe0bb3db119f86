package testsupport

import (
	"testing"

	"loom/internal/config"
	"loom/internal/runstate"
)

// MustOpenState opens a runstate.Store for tests and registers cleanup.
func MustOpenState(t testing.TB, cfg *config.Config) *runstate.Store {
	t.Helper()

	store, err := runstate.Open(cfg)
	if err != nil {
		t.Fatalf("runstate.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
