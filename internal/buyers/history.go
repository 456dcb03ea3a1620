package buyers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordHistory appends one audit entry for a non-empty diff. An empty diff
// appends nothing. The lead write is the source of truth: a failure here is
// reported to the operational log and never rolls the mutation back.
func (s *Service) recordHistory(ctx context.Context, leadID, actorID string, diff ChangeSet, operation string) {
	if diff.Empty() {
		return
	}

	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "history_id_failed", err, zap.String("lead_id", leadID))
		return
	}

	encoded, err := json.Marshal(diff)
	if err != nil {
		s.logError(operation, "history_encode_failed", err, zap.String("lead_id", leadID))
		return
	}

	entry := LeadHistory{
		EntryID:   entryID,
		LeadID:    leadID,
		ChangedBy: actorID,
		ChangedAt: s.clock().UTC(),
		DiffJSON:  string(encoded),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(operation, "history_insert_failed", err,
			zap.String("lead_id", leadID),
			zap.String("actor_id", actorID))
	}
}

// History returns the audit trail for a lead in creation order. The lead
// must exist.
func (s *Service) History(ctx context.Context, id string) ([]LeadHistory, error) {
	leadID, err := NewLeadID(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var lead Lead
	err = s.db.WithContext(ctx).Where("lead_id = ?", leadID.String()).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opLeadHistory, "lead_select_failed", err, zap.String("lead_id", leadID.String()))
		return nil, newServiceError(opLeadHistory, "lead_select_failed", err)
	}

	var entries []LeadHistory
	if err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID.String()).
		Order("changed_at ASC").
		Find(&entries).Error; err != nil {
		s.logError(opLeadHistory, "query_failed", err, zap.String("lead_id", leadID.String()))
		return nil, newServiceError(opLeadHistory, "query_failed", err)
	}

	return entries, nil
}
