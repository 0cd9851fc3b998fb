package models

import (
	"time"
)

// EventLog records each radio-layer event observed by the daemon.
type EventLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"index;size:20;not null" json:"kind"`     // joined/left/keepalive/packet/...
	Tag       string    `gorm:"size:24" json:"tag,omitempty"`           // disconnect qualifier
	NodeID    string    `gorm:"index;size:16" json:"node_id"`           // hex device id
	NodeName  string    `gorm:"size:40" json:"node_name,omitempty"`     // registry name if known
	ASN       uint64    `gorm:"not null" json:"asn"`                    // slot the event was observed at
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"` // wallclock
}

// TableName overrides the default table name
func (EventLog) TableName() string {
	return "event_logs"
}
