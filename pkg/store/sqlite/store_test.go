package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/voicedesk/pkg/store"
	"github.com/MrWong99/voicedesk/pkg/store/sqlite"
	"github.com/MrWong99/voicedesk/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "voicedesk.db"), sqlite.WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "voicedesk.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	created, err := s.CreateTicket(ctx, store.Ticket{UserQuery: "wrong size"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are already applied; reopening must be a no-op for them.
	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTicket(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "wrong size", got.UserQuery)
	assert.True(t, created.Timestamp.Equal(got.Timestamp))
}
