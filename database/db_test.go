package database

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver-state-service/config"
)

func TestConfigurePoolLimits(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	configure(db, config.DBConfig{MaxOpen: 7, MaxIdle: 3})

	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}
