package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
)

func TestInitStore_Drivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		sc   config.StoreConfig
		want any
	}{
		{"memory", config.StoreConfig{Driver: "memory"}, &checkpoint.MemoryStore{}},
		{"sqlite", config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "cp.db")}, &checkpoint.SQLiteStore{}},
		{"badger", config.StoreConfig{Driver: "badger", Path: filepath.Join(dir, "badger")}, &checkpoint.BadgerStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := initStore(ctx, tt.sc)
			require.NoError(t, err)
			defer st.Close()
			assert.IsType(t, tt.want, st)

			markers, err := st.PhaseMarkers(ctx, "r1")
			require.NoError(t, err)
			assert.Empty(t, markers)
		})
	}
}

func TestInitStore_UnknownDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_BadgerRequiresPath(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "badger"})
	assert.Error(t, err)
}
