package audit

import (
	"encoding/json"
	"time"

	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service records audit entries as a fire-and-forget side effect. A failed
// write is logged and swallowed so that it can never roll back or block the
// authentication outcome that triggered it.
type Service struct {
	db     *gorm.DB
	logger *logging.Service
}

type Recorder interface {
	Record(action string, actorID, targetID uint, details map[string]any)
}

func NewService(db *gorm.DB, logger *logging.Service) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

func (s *Service) Record(action string, actorID, targetID uint, details map[string]any) {
	detailsJSON := ""
	if details != nil {
		if jsonBytes, err := json.Marshal(details); err == nil {
			detailsJSON = string(jsonBytes)
		}
	}

	entry := Entry{
		Action:    action,
		ActorID:   actorID,
		TargetID:  targetID,
		Details:   detailsJSON,
		CreatedAt: time.Now(),
	}

	if err := s.db.Create(&entry).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to write audit entry",
				zap.Error(err),
				zap.String("action", action),
				zap.Uint("actor_id", actorID))
		}
		return
	}

	if s.logger != nil {
		s.logger.Debug("audit entry recorded",
			zap.String("action", action),
			zap.Uint("actor_id", actorID),
			zap.Uint("target_id", targetID))
	}
}

func (s *Service) ListForUser(userID uint, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	err := s.db.Where("actor_id = ? OR target_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}
