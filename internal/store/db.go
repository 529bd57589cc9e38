// Package store persists the transfer history of this endpoint.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	RoleServe   = "serve"
	RoleRequest = "request"
)

// Transfer is one finished transfer, either role.
type Transfer struct {
	ID         uint   `gorm:"primaryKey"`
	CID        string `gorm:"column:cid;index;not null"`
	PeerID     string
	Role       string `gorm:"index"`
	State      string
	Name       string
	MimeType   string
	Size       int64
	Encrypted  bool
	Error      string
	StartedAt  int64
	FinishedAt int64
}

// Open opens (creating if needed) the sqlite database at path and migrates
// it. Use ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// :memory: databases are per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
