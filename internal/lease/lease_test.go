package lease

import (
	"context"
	"testing"
	"time"

	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(metadata.NewMemStore(), testKey, time.Hour)

	l, err := m.Acquire(ctx, "users", "run-1", false)
	require.NoError(t, err)
	assert.Equal(t, "users", l.TableName)
	assert.NotEmpty(t, l.Token)

	require.NoError(t, m.Release(ctx, l))

	// Released, so a second run can take it.
	_, err = m.Acquire(ctx, "users", "run-2", false)
	require.NoError(t, err)
}

func TestAcquireExcludesConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	m := NewManager(metadata.NewMemStore(), testKey, time.Hour)

	_, err := m.Acquire(ctx, "users", "run-1", false)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "users", "run-2", false)
	require.Error(t, err)
	assert.True(t, metadata.IsLeaseHeld(err))
}

func TestForceOverridesHeldLease(t *testing.T) {
	ctx := context.Background()
	m := NewManager(metadata.NewMemStore(), testKey, time.Hour)

	_, err := m.Acquire(ctx, "users", "crashed-run", false)
	require.NoError(t, err)

	l, err := m.Acquire(ctx, "users", "recovery-run", true)
	require.NoError(t, err)
	assert.Equal(t, "recovery-run", l.RunID)
}

func TestReleaseVerifiesToken(t *testing.T) {
	ctx := context.Background()
	m := NewManager(metadata.NewMemStore(), testKey, time.Hour)

	l, err := m.Acquire(ctx, "users", "run-1", false)
	require.NoError(t, err)

	tampered := l
	tampered.Token = l.Token + "x"
	assert.Error(t, m.Release(ctx, tampered))

	// A token signed under a different key does not release.
	other := NewManager(metadata.NewMemStore(), []byte("other-key"), time.Hour)
	foreign, err := other.Acquire(ctx, "users", "run-1", false)
	require.NoError(t, err)
	assert.Error(t, m.Release(ctx, foreign))

	require.NoError(t, m.Release(ctx, l))
}

func TestReleaseChecksSubjectMatchesRun(t *testing.T) {
	ctx := context.Background()
	m := NewManager(metadata.NewMemStore(), testKey, time.Hour)

	l, err := m.Acquire(ctx, "users", "run-1", false)
	require.NoError(t, err)

	stolen := l
	stolen.RunID = "run-2"
	err = m.Release(ctx, stolen)
	assert.ErrorContains(t, err, "does not match run")
}
