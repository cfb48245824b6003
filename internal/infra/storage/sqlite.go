package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"markethub/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists the connection audit trail.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at dbPath.
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.SubscriberSession{}, &domain.ProducerSession{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Subscriber Sessions
// ======================================================================================

// SaveSubscriber inserts or replaces a subscriber session.
func (s *Storage) SaveSubscriber(session *domain.SubscriberSession) error {
	return s.db.Save(session).Error
}

// CloseSubscriber stamps the end of a subscriber session.
func (s *Storage) CloseSubscriber(id string, at time.Time, reason string) error {
	return s.db.Model(&domain.SubscriberSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"disconnected_at": at, "reason": reason}).Error
}

// ListSubscribers returns the most recent sessions first. limit <= 0 means all.
func (s *Storage) ListSubscribers(limit int) ([]domain.SubscriberSession, error) {
	var sessions []domain.SubscriberSession
	q := s.db.Order("connected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

// ListSubscribersByPort returns the sessions of one port, newest first.
// limit <= 0 means all.
func (s *Storage) ListSubscribersByPort(port, limit int) ([]domain.SubscriberSession, error) {
	var sessions []domain.SubscriberSession
	q := s.db.Where("port = ?", port).Order("connected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

// ======================================================================================
// Producer Sessions
// ======================================================================================

// SaveProducer inserts or replaces a producer session.
func (s *Storage) SaveProducer(session *domain.ProducerSession) error {
	return s.db.Save(session).Error
}

// CloseProducer stamps the end of a producer session with its final counters.
func (s *Storage) CloseProducer(id string, at time.Time, messages, truncated uint64) error {
	return s.db.Model(&domain.ProducerSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"disconnected_at": at, "messages": messages, "truncated": truncated}).Error
}

// ListProducers returns the most recent sessions first. limit <= 0 means all.
func (s *Storage) ListProducers(limit int) ([]domain.ProducerSession, error) {
	var sessions []domain.ProducerSession
	q := s.db.Order("connected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}
