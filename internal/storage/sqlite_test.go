// Copyright 2025 James Ross
package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin-guard-test.db")
	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer backend.Close()
	newBackendSuite(backend).run(t)
}
