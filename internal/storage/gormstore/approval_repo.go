package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"switchyard/internal/warden"
)

// ApprovalRepository implements warden.Store on GORM. The compare-and-swap
// requirement maps onto guarded UPDATEs: a transition only touches rows
// still in the pending state, and zero rows affected means another caller
// already won.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{db: db.GormDB()}
}

func (r *ApprovalRepository) Create(ctx context.Context, req *warden.Request) error {
	model := toApprovalModel(req)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}
	return nil
}

func (r *ApprovalRepository) Get(ctx context.Context, id string) (*warden.Request, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, warden.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval request: %w", err)
	}
	return toRequest(&model), nil
}

func (r *ApprovalRepository) Transition(ctx context.Context, id string, to warden.State, by, reason string, at time.Time) (*warden.Request, error) {
	res := r.db.WithContext(ctx).
		Model(&ApprovalModel{}).
		Where("id = ? AND status = ?", id, int16(warden.StatePending)).
		Updates(map[string]any{
			"status":      int16(to),
			"resolved_by": by,
			"resolved_at": at,
			"reason":      reason,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("resolving approval request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing or already terminal; read back to tell which.
		cur, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: request %s is %s", warden.ErrAlreadyResolved, id, cur.State)
	}
	return r.Get(ctx, id)
}

func (r *ApprovalRepository) ExpirePending(ctx context.Context, now time.Time) ([]*warden.Request, error) {
	var expired []*warden.Request
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []ApprovalModel
		if err := tx.Where("status = ? AND expires_at <= ?", int16(warden.StatePending), now).
			Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			res := tx.Model(&ApprovalModel{}).
				Where("id = ? AND status = ?", rows[i].ID, int16(warden.StatePending)).
				Updates(map[string]any{
					"status":      int16(warden.StateExpired),
					"resolved_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue // resolved between the select and the update
			}
			rows[i].Status = int16(warden.StateExpired)
			rows[i].ResolvedAt = &now
			expired = append(expired, toRequest(&rows[i]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expiring approval requests: %w", err)
	}
	return expired, nil
}

func (r *ApprovalRepository) List(ctx context.Context, state warden.State) ([]*warden.Request, error) {
	var rows []ApprovalModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", int16(state)).
		Order("requested_at").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	out := make([]*warden.Request, 0, len(rows))
	for i := range rows {
		out = append(out, toRequest(&rows[i]))
	}
	return out, nil
}
