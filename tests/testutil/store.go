package testutil

import (
	"testing"

	"github.com/mailden/mailden/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations
// applied and the default flag policy. It automatically closes the
// store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return NewTestStoreWithPolicy(t, store.LocalWins)
}

// NewTestStoreWithPolicy is NewTestStore with an explicit flag policy.
func NewTestStoreWithPolicy(t *testing.T, policy store.FlagPolicy) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:", policy)
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
