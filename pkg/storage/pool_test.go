package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()

	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 1*time.Minute, cfg.ConnMaxIdleTime)
}

func TestPoolOptions(t *testing.T) {
	cfg := PoolConfig{}

	MaxOpenConns(50).applyPool(&cfg)
	assert.Equal(t, 50, cfg.MaxOpenConns)

	MaxIdleConns(20).applyPool(&cfg)
	assert.Equal(t, 20, cfg.MaxIdleConns)

	ConnMaxLifetime(10 * time.Minute).applyPool(&cfg)
	assert.Equal(t, 10*time.Minute, cfg.ConnMaxLifetime)

	ConnMaxIdleTime(2 * time.Minute).applyPool(&cfg)
	assert.Equal(t, 2*time.Minute, cfg.ConnMaxIdleTime)

	WithPoolConfig(SQLitePoolConfig()).applyPool(&cfg)
	assert.Equal(t, 1, cfg.MaxOpenConns)
}

func TestConfigurePool(t *testing.T) {
	db := openSQLite(t)

	err := ConfigurePool(db,
		MaxOpenConns(30),
		MaxIdleConns(15),
		ConnMaxLifetime(7*time.Minute),
		ConnMaxIdleTime(90*time.Second),
	)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 30, sqlDB.Stats().MaxOpenConnections)
}

func TestConfigurePool_SQLiteDefaultsToSingleConnection(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, ConfigurePool(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestConfigurePool_RejectsInvalidLimits(t *testing.T) {
	db := openSQLite(t)

	err := ConfigurePool(db, MaxOpenConns(0))
	assert.ErrorIs(t, err, core.ErrValidation)

	err = ConfigurePool(db, ConnMaxLifetime(-time.Second))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestConfigurePool_CapsIdleAtOpen(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, ConfigurePool(db, MaxOpenConns(4), MaxIdleConns(40)))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 4, sqlDB.Stats().MaxOpenConnections)
}
