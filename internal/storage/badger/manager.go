package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	document interfaces.DocumentStorage
	cases    interfaces.CaseStorage
	job      interfaces.JobStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		document: NewDocumentStorage(db, logger),
		cases:    NewCaseStorage(db, logger),
		job:      NewJobStorage(db, logger),
		logger:   logger,
	}
}

// DocumentStorage returns the Document storage interface
func (m *Manager) DocumentStorage() interfaces.DocumentStorage {
	return m.document
}

// CaseStorage returns the Case storage interface
func (m *Manager) CaseStorage() interfaces.CaseStorage {
	return m.cases
}

// JobStorage returns the queue job record storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// CollectGarbage reclaims value log space left by deleted records
func (m *Manager) CollectGarbage(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.CollectGarbage()
	return err
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
