package store

import (
	"github.com/glebarez/sqlite"
)

// SQLiteStore SQLite存储实现
type SQLiteStore struct {
	*GormStore
}

// NewSQLiteStore 创建SQLite存储实例
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	store, err := NewGormStore(sqlite.Open(config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"))
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{GormStore: store}, nil
}
