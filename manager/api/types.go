package api

import "time"

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CeremonyView is the API representation of a ceremony record.
type CeremonyView struct {
	RoomID        string    `json:"room_id"`
	Kind          string    `json:"kind"`
	OwnerID       string    `json:"owner_id,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	Status        string    `json:"status"`
	ActiveIndexes []uint16  `json:"active_indexes"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KeysView lists an owner's keys.
type KeysView struct {
	OwnerID string   `json:"owner_id"`
	KeyIDs  []string `json:"key_ids"`
}
