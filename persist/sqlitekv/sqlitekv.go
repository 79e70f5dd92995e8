// Package sqlitekv is a persist.KV stored in a SQLite database through gorm.
package sqlitekv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is a row in the key/value table.
type Entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (Entry) TableName() string {
	return "asxwatch_kv"
}

// KV implements persist.KV.
type KV struct {
	db *gorm.DB
}

// New opens the SQLite database at path and migrates the table.
func New(path string) (*KV, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &KV{db: db}, nil
}

// Get implements persist.KV.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := k.db.WithContext(ctx).Where(map[string]interface{}{"key": key}).First(&e).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return e.Value, true, nil
}

// Set implements persist.KV.
func (k *KV) Set(ctx context.Context, key, val string) error {
	e := Entry{Key: key, Value: val, UpdatedAt: time.Now()}
	return k.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

// Remove implements persist.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	return k.db.WithContext(ctx).Where(map[string]interface{}{"key": key}).Delete(&Entry{}).Error
}

// Close closes the underlying database.
func (k *KV) Close() error {
	sqlDB, err := k.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
