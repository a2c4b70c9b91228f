// Package store contains GORM-backed SQLite models used by the TSS manager.
//
// Database Structure (database file: ceremonies.db):
//
//	databases/
//	└── ceremonies.db
//	    └── ceremonies
package store

import (
	"gorm.io/gorm"
)

// Ceremony kinds.
const (
	KindKeygen = "keygen"
	KindSign   = "sign"
)

// Ceremony tracks the latest reported state of one ceremony this node took
// part in. One row per (room, kind).
type Ceremony struct {
	gorm.Model
	RoomID        string `gorm:"uniqueIndex:idx_room_kind;not null"`
	Kind          string `gorm:"uniqueIndex:idx_room_kind;not null"` // "keygen" or "sign"
	OwnerID       string `gorm:"index"`
	KeyID         string
	Status        string `gorm:"index;not null"` // "created", "started", "finished", "error", "timeout"
	ActiveIndexes string // comma separated party indexes
	Result        string `gorm:"type:text"` // public key or signature hex when finished
	ErrorMsg      string `gorm:"type:text"`
}
