package repository

import (
	"time"

	"github.com/dbehnke/mari-nexus/backend/models"
	"gorm.io/gorm"
)

// EventLogRepository handles database operations for radio event logs
type EventLogRepository struct {
	db *gorm.DB
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(db *gorm.DB) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// Create inserts a new event log entry
func (r *EventLogRepository) Create(log *models.EventLog) error {
	return r.db.Create(log).Error
}

// LogEvent creates and saves an event log entry
func (r *EventLogRepository) LogEvent(kind, tag, nodeID, nodeName string, asn uint64) error {
	log := &models.EventLog{
		Kind:     kind,
		Tag:      tag,
		NodeID:   nodeID,
		NodeName: nodeName,
		ASN:      asn,
	}
	return r.Create(log)
}

// GetRecent returns the N most recent events
func (r *EventLogRepository) GetRecent(limit int) ([]models.EventLog, error) {
	var logs []models.EventLog
	err := r.db.Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// GetByNode returns recent events for a specific node
func (r *EventLogRepository) GetByNode(nodeID string, limit int) ([]models.EventLog, error) {
	var logs []models.EventLog
	err := r.db.Where("node_id = ?", nodeID).Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// GetByKind returns recent events of one kind
func (r *EventLogRepository) GetByKind(kind string, limit int) ([]models.EventLog, error) {
	var logs []models.EventLog
	err := r.db.Where("kind = ?", kind).Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// DeleteOlderThan prunes events past the retention window
func (r *EventLogRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := r.db.Where("created_at < ?", cutoff).Delete(&models.EventLog{})
	return res.RowsAffected, res.Error
}
