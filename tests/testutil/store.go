package testutil

import (
	"os"
	"testing"

	"github.com/nhle/mailvault/internal/store"
)

// NewTestStore connects to the Postgres instance named by
// MAILVAULT_TEST_DSN with all migrations applied, skipping the test
// when the variable is unset. The store is closed when the test
// completes.
func NewTestStore(t *testing.T) *store.PostgresStore {
	t.Helper()

	dsn := os.Getenv("MAILVAULT_TEST_DSN")
	if dsn == "" {
		t.Skip("MAILVAULT_TEST_DSN not set; skipping database test")
	}

	s, err := store.NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
