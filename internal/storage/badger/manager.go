package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
)

// Manager owns the embedded Badger database and the deletion ledger that
// sits on top of it. Everything else in the crawler's state (URL lists,
// JSON records, embeddings, processed keys, status) lives in plain files
// under store.Store -- only the audit-trail ledger needs a queryable store.
type Manager struct {
	db     *BadgerDB
	ledger *LedgerStorage
	logger arbor.ILogger
}

// NewManager opens the Badger database and wires the deletion ledger on top of it.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		ledger: NewLedgerStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// Ledger returns the deletion-record ledger.
func (m *Manager) Ledger() *LedgerStorage {
	return m.ledger
}

// Close closes the underlying database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
