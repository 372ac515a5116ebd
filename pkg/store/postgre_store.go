package store

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
)

// DSN 拼接gorm的PostgreSQL连接串，端口缺省5432，sslmode缺省disable
func (c PostgresConfig) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	parts := []string{
		"host=" + c.Host,
		fmt.Sprintf("port=%d", port),
		"user=" + c.User,
		"dbname=" + c.DBName,
		"sslmode=" + sslMode,
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	return strings.Join(parts, " ")
}

// PostgreStore PostgreSQL存储实现
type PostgreStore struct {
	*GormStore
}

// NewPostgreStore 创建PostgreSQL存储实例
func NewPostgreStore(config PostgresConfig) (*PostgreStore, error) {
	store, err := NewGormStore(postgres.Open(config.DSN()))
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return &PostgreStore{GormStore: store}, nil
}
