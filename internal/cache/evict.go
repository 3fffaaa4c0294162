package cache

import (
	"context"
	"fmt"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/repository"
)

// enforceBudget evicts when usage reaches the high-water mark. Candidates
// are plans dated before the device's local today that are not pinned and have nothing left to
// sync, oldest first; each goes together with its events. Eviction stops at
// the low-water mark.
func (c *Cache) enforceBudget(ctx context.Context) (StorageStatus, error) {
	records := repository.NewSQLiteRecordRepo(c.reader)
	used, err := records.UsedBytes(ctx)
	if err != nil {
		return StorageStatus{}, err
	}
	st := c.status(used)
	if c.cfg.BudgetBytes <= 0 || st.Percent < c.cfg.HighWaterPct {
		return st, nil
	}

	// Plan dates are calendar days on the device, so today is too.
	today := c.now().Format(domain.DateLayout)
	candidates, err := records.List(ctx, repository.RecordQuery{
		Kind:   domain.EntityDayPlan,
		Before: today,
	})
	if err != nil {
		return st, err
	}

	for _, plan := range candidates {
		if st.Percent <= c.cfg.LowWaterPct {
			break
		}
		if plan.Pinned {
			continue
		}
		if c.guard != nil {
			pending, err := c.guard.HasPendingForPlan(ctx, plan.ID)
			if err != nil {
				return st, fmt.Errorf("checking pending sync for %s: %w", plan.ID, err)
			}
			if pending {
				continue
			}
		}

		freed, err := c.evictPlan(ctx, plan.ID)
		if err != nil {
			return st, err
		}
		used -= freed
		evicted := st.Evicted
		st = c.status(used)
		st.Evicted = append(evicted, plan.ID)
		c.log.Infow("evicted day plan", map[string]any{
			"plan_id":   plan.ID,
			"plan_date": plan.PlanDate,
			"freed":     freed,
		})
	}

	if st.Percent >= c.cfg.HighWaterPct {
		st.Warning = &domain.StorageBudgetExceededError{
			UsedBytes:   st.UsedBytes,
			BudgetBytes: st.BudgetBytes,
			Percent:     st.Percent,
		}
		c.log.Warnw("storage budget exceeded after eviction", map[string]any{
			"used_bytes":   st.UsedBytes,
			"budget_bytes": st.BudgetBytes,
			"percent":      st.Percent,
		})
	}
	return st, nil
}

// evictPlan removes a plan and its events and returns the bytes freed.
func (c *Cache) evictPlan(ctx context.Context, planID string) (int64, error) {
	unlock := c.locks.Lock(lockKey(domain.EntityDayPlan, planID))
	defer unlock()

	var freed int64
	err := c.uow.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		records := repository.NewSQLiteRecordRepo(tx)
		plan, err := records.Get(ctx, domain.EntityDayPlan, planID)
		if err != nil {
			return err
		}
		children, err := records.List(ctx, repository.RecordQuery{ParentID: planID})
		if err != nil {
			return err
		}
		freed = plan.Size()
		for _, ch := range children {
			freed += ch.Size()
		}
		if _, err := records.DeleteByParent(ctx, planID); err != nil {
			return err
		}
		return records.Delete(ctx, domain.EntityDayPlan, planID)
	})
	if err != nil {
		return 0, fmt.Errorf("evicting plan %s: %w", planID, err)
	}
	return freed, nil
}
