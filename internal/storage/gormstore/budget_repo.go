package gormstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"switchyard/internal/domain"
)

// BudgetJournal implements budget.Journal. Each committed spend and each
// reversal is an append-only row; restart recovery sums them per
// (tier, month).
type BudgetJournal struct {
	db *gorm.DB
}

// NewBudgetJournal creates a BudgetJournal.
func NewBudgetJournal(db *DB) *BudgetJournal {
	return &BudgetJournal{db: db.GormDB()}
}

func (j *BudgetJournal) Record(ctx context.Context, tier domain.Tier, monthKey string, amount float64, reason string) error {
	entry := LedgerEntryModel{
		Tier:      tier.String(),
		MonthKey:  monthKey,
		AmountUSD: amount,
		Reason:    reason,
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording ledger entry: %w", err)
	}
	return nil
}

func (j *BudgetJournal) MonthTotals(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		Tier     string
		MonthKey string
		Total    float64
	}
	if err := j.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Select("tier, month_key, SUM(amount_usd) AS total").
		Group("tier").Group("month_key").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("summing ledger entries: %w", err)
	}

	totals := make(map[string]float64, len(rows))
	for _, r := range rows {
		totals[r.Tier+"|"+r.MonthKey] = r.Total
	}
	return totals, nil
}
