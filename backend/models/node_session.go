package models

import (
	"time"
)

// NodeSession records one membership interval of a node: admission to
// departure, with the uplink cell it held.
type NodeSession struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	NodeID        string     `gorm:"index;size:16;not null" json:"node_id"`
	CellIndex     int        `gorm:"not null" json:"cell_index"`
	JoinedASN     uint64     `gorm:"not null" json:"joined_asn"`
	LeftASN       *uint64    `json:"left_asn,omitempty"`
	LeaveReason   string     `gorm:"size:24" json:"leave_reason,omitempty"`
	JoinedAt      time.Time  `gorm:"index;not null" json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	DurationSlots uint64     `json:"duration_slots"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName overrides the default table name
func (NodeSession) TableName() string {
	return "node_sessions"
}
