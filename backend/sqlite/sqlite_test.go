package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/test"
)

func Test_SqliteBackend(t *testing.T) {
	test.StoreTest(t, func() backend.Backend {
		return NewInMemoryBackend()
	}, nil)
}

func Test_SqliteBackend_File(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	test.StoreTest(t, func() backend.Backend {
		path := filepath.Join(t.TempDir(), "holdflow.sqlite")

		b, err := NewSqliteBackend(path)
		require.NoError(t, err)

		return b
	}, nil)
}
