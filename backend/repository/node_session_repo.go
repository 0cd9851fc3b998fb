package repository

import (
	"time"

	"github.com/dbehnke/mari-nexus/backend/models"
	"gorm.io/gorm"
)

// NodeSessionRepository handles database operations for membership sessions
type NodeSessionRepository struct {
	db *gorm.DB
}

// NewNodeSessionRepository creates a new node session repository
func NewNodeSessionRepository(db *gorm.DB) *NodeSessionRepository {
	return &NodeSessionRepository{db: db}
}

// OpenSession records an admission.
func (r *NodeSessionRepository) OpenSession(nodeID string, cellIndex int, joinedASN uint64) error {
	s := &models.NodeSession{
		NodeID:    nodeID,
		CellIndex: cellIndex,
		JoinedASN: joinedASN,
		JoinedAt:  time.Now().UTC(),
	}
	return r.db.Create(s).Error
}

// CloseSession completes the most recent open session for nodeID.
func (r *NodeSessionRepository) CloseSession(nodeID string, leftASN uint64, reason string) error {
	var s models.NodeSession
	err := r.db.Where("node_id = ? AND left_asn IS NULL", nodeID).
		Order("joined_at DESC").First(&s).Error
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.LeftASN = &leftASN
	s.LeftAt = &now
	s.LeaveReason = reason
	if leftASN > s.JoinedASN {
		s.DurationSlots = leftASN - s.JoinedASN
	}
	return r.db.Save(&s).Error
}

// GetRecent returns the N most recent sessions
func (r *NodeSessionRepository) GetRecent(limit int) ([]models.NodeSession, error) {
	var sessions []models.NodeSession
	err := r.db.Order("joined_at DESC").Limit(limit).Find(&sessions).Error
	return sessions, err
}

// GetByNode returns sessions for a specific node
func (r *NodeSessionRepository) GetByNode(nodeID string, limit int) ([]models.NodeSession, error) {
	var sessions []models.NodeSession
	err := r.db.Where("node_id = ?", nodeID).Order("joined_at DESC").Limit(limit).Find(&sessions).Error
	return sessions, err
}
