// Copyright 2025 James Ross
package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendSuite exercises the Backend contract against any implementation,
// mirroring the shape of a shared conformance suite applied to every
// concrete backend.
type backendSuite struct {
	backend Backend
	ctx     context.Context
}

func newBackendSuite(b Backend) *backendSuite {
	return &backendSuite{backend: b, ctx: context.Background()}
}

func (s *backendSuite) run(t *testing.T) {
	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.backend.Put(s.ctx, "audit/p1", []byte("entry-1")))
		v, err := s.backend.Get(s.ctx, "audit/p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("entry-1"), v)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.backend.Get(s.ctx, "audit/does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListPrefix", func(t *testing.T) {
		require.NoError(t, s.backend.Put(s.ctx, "audit/p2/a", []byte("a")))
		require.NoError(t, s.backend.Put(s.ctx, "audit/p2/b", []byte("b")))
		require.NoError(t, s.backend.Put(s.ctx, "alert/p2/a", []byte("c")))
		keys, err := s.backend.List(s.ctx, "audit/p2/")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"audit/p2/a", "audit/p2/b"}, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.backend.Put(s.ctx, "audit/p3", []byte("x")))
		require.NoError(t, s.backend.Delete(s.ctx, "audit/p3"))
		_, err := s.backend.Get(s.ctx, "audit/p3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Health", func(t *testing.T) {
		h := s.backend.Health(s.ctx)
		assert.Contains(t, []string{HealthStatusHealthy, HealthStatusDegraded, HealthStatusUnhealthy}, h.Status)
		assert.False(t, h.CheckedAt.IsZero())
	})
}
