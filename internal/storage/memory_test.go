// Copyright 2025 James Ross
package storage

import "testing"

func TestMemoryBackend(t *testing.T) {
	newBackendSuite(NewMemoryBackend()).run(t)
}
