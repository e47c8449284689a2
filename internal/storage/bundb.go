package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Entry Operations ---

// GetEntry returns the value stored under key.
func (db *BunDB) GetEntry(ctx context.Context, key []byte) ([]byte, bool, error) {
	var entry EntryModel
	err := db.NewSelect().
		Model(&entry).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// PutEntry stores value under key, replacing any previous value.
func (db *BunDB) PutEntry(ctx context.Context, key, value []byte) error {
	_, err := db.NewInsert().
		Model(&EntryModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// DeleteEntry removes key. Removing a missing key is not an error.
func (db *BunDB) DeleteEntry(ctx context.Context, key []byte) error {
	_, err := db.NewDelete().
		Model((*EntryModel)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	return err
}

// CountEntries returns the number of stored entries.
func (db *BunDB) CountEntries(ctx context.Context) (int, error) {
	return db.NewSelect().Model((*EntryModel)(nil)).Count(ctx)
}

// DeleteAllEntries removes every entry.
func (db *BunDB) DeleteAllEntries(ctx context.Context) error {
	_, err := db.NewDelete().
		Model((*EntryModel)(nil)).
		Where("1 = 1").
		Exec(ctx)
	return err
}
