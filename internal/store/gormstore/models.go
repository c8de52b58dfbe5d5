package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerDocument mirrors the ledger_documents table. Each row holds one whole ledger.
type LedgerDocument struct {
	DocumentID string         `gorm:"primaryKey;size:64"`
	Body       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (LedgerDocument) TableName() string { return "ledger_documents" }
