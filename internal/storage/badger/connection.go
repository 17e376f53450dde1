package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the embedded deletion-ledger store's Badger database
// connection.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB opens (or resets) the Badger database described by config.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Dir); err == nil {
			logger.Debug().Str("path", config.Dir).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Dir); err != nil {
				logger.Warn().Err(err).Str("path", config.Dir).Msg("Failed to delete database directory")
			}
		}
	}

	dir := filepath.Dir(config.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Dir).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Dir
	options.ValueDir = config.Dir
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Dir).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
