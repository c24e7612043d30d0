package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnEntryKey = "entry_key"

	// likeEscape has no meaning inside MySQL or SQLite string literals.
	likeEscape = "!"
)

var errMissingDatabase = errors.New("kvstore: database handle is required")

// Entry is the row backing SQLStore.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value            []byte `gorm:"column:entry_value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLStore persists entries in a relational table through GORM.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SQLStore{db: db, clock: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where(columnEntryKey+" = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	entry := Entry{Key: key, Value: value, UpdatedAtSeconds: s.clock().UTC().Unix()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnEntryKey}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_s"}),
	}).Create(&entry).Error
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where(columnEntryKey+" = ?", key).Delete(&Entry{}).Error
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if err := keysQuery(s.db.WithContext(ctx), prefix).Pluck(columnEntryKey, &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func keysQuery(db *gorm.DB, prefix string) *gorm.DB {
	query := db.Model(&Entry{})
	if prefix != "" {
		query = query.Where(columnEntryKey+" LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(prefix)+"%")
	}
	return query.Order(columnEntryKey + " ASC")
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(value)
}
