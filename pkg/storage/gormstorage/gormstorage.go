// Package gormstorage implements storage.Backend on PostgreSQL through
// GORM. It writes the same sync_entries table as the pgx backend but
// carries no change notification: Watch reports ErrWatchUnsupported,
// so peers on this backend keep durability and lose live sync.
package gormstorage

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/inkwell/inkstore/pkg/storage"
)

// Option allows configuring the DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// EntryModel is the GORM model for one persistence key's latest entry.
type EntryModel struct {
	Key        string    `gorm:"primaryKey;type:text"`
	Seq        int64     `gorm:"not null"`
	Origin     string    `gorm:"type:text;not null"`
	EnvelopeID string    `gorm:"type:text;not null"`
	WrittenAt  time.Time `gorm:"index;not null"`
	Diff       []byte    `gorm:"type:jsonb"`
	State      []byte    `gorm:"type:jsonb;not null"`
}

func (EntryModel) TableName() string { return "sync_entries" }

// Backend stores one row per persistence key via GORM.
type Backend struct{ db *gorm.DB }

// Open opens a Postgres-backed GORM connection using the provided DSN
// and ensures the schema exists.
func Open(dsn string, opts ...Option) (*Backend, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EntryModel{}); err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

// Read returns the latest entry for key.
func (b *Backend) Read(ctx context.Context, key string) (storage.Entry, bool, error) {
	var m EntryModel
	err := b.db.WithContext(ctx).Where("key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Entry{}, false, nil
	}
	if err != nil {
		return storage.Entry{}, false, err
	}
	return storage.Entry{
		Seq:        uint64(m.Seq),
		Origin:     m.Origin,
		EnvelopeID: m.EnvelopeID,
		WrittenAt:  m.WrittenAt,
		Diff:       m.Diff,
		State:      m.State,
	}, true, nil
}

// Write upserts the entry for key.
func (b *Backend) Write(ctx context.Context, key string, e storage.Entry) error {
	m := EntryModel{
		Key:        key,
		Seq:        int64(e.Seq),
		Origin:     e.Origin,
		EnvelopeID: e.EnvelopeID,
		WrittenAt:  e.WrittenAt.UTC(),
		Diff:       e.Diff,
		State:      e.State,
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// Watch is unsupported; GORM exposes no notification channel.
func (b *Backend) Watch(context.Context, string, func(storage.Entry)) error {
	return storage.ErrWatchUnsupported
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
