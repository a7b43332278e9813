package persistence

import (
	"path/filepath"
	"testing"

	"github.com/charli-chat/charli-chat/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormPersisterSQLite(t *testing.T) {
	runPersisterSuite(t, func(t *testing.T) Persister {
		p, err := NewGormPersister(&config.Config{
			PersistenceConfig: config.PersistenceConfig{
				Type: "sqlite",
				DSN:  filepath.Join(t.TempDir(), "chat.db"),
			},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		return p
	})
}

func TestGormPersisterInvalidConfig(t *testing.T) {
	_, err := NewGormPersister(&config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "sqlite"},
	})
	assert.Error(t, err)

	_, err = NewGormPersister(&config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: "x"},
	})
	assert.Error(t, err)
}
