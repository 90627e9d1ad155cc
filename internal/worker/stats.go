package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/store"
)

// Aggregator derives transform progress from persisted outcome rows. It
// never counts queue deliveries; outcome rows are upserted by unit key,
// so duplicates from redelivery collapse to one row and the counters
// stay correct.
type Aggregator struct {
	store store.Store
}

func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Stats returns the counters of one transform generation.
func (a *Aggregator) Stats(ctx context.Context, kind models.TransformKind, transformID int64, generation int) (models.Stats, error) {
	outcomes, err := a.store.ListOutcomes(ctx, kind, transformID, generation)
	if err != nil {
		return models.Stats{}, err
	}
	return Tally(outcomes), nil
}

// Tally folds outcome rows into counters. Pending rows count toward
// nothing but Processed stays the terminal count, so progress can be
// shown as processed-of-total.
func Tally(outcomes []models.Outcome) models.Stats {
	var s models.Stats
	for _, o := range outcomes {
		switch o.Status {
		case models.UnitSuccess:
			s.Processed++
			s.Succeeded++
			s.ItemsCreated += o.ItemCount
		case models.UnitFailed:
			s.Processed++
			s.Failed++
		}
	}
	return s
}

// FinalizeRun closes a transform run once every seeded unit reached a
// terminal status. The coordinator seeds one pending row per unit at
// trigger time, so "no pending rows left" is the completion signal.
// Safe to call after every outcome write; it is a no-op while units
// remain pending. A run with failures still completes; it only fails
// when every unit failed.
func FinalizeRun(ctx context.Context, st store.Store, kind models.TransformKind, transformID int64, generation int, log *slog.Logger) {
	outcomes, err := st.ListOutcomes(ctx, kind, transformID, generation)
	if err != nil {
		log.Warn("finalize: list outcomes failed", "transform_id", transformID, "error", err)
		return
	}
	if len(outcomes) == 0 {
		return
	}
	for _, o := range outcomes {
		if o.Status == models.UnitPending {
			return
		}
	}
	stats := Tally(outcomes)

	status := models.RunStatusCompleted
	errMsg := ""
	if stats.Failed == stats.Processed {
		status = models.RunStatusFailed
		errMsg = fmt.Sprintf("all %d units failed", stats.Failed)
	} else if stats.Failed > 0 {
		errMsg = fmt.Sprintf("%d of %d units failed", stats.Failed, stats.Processed)
	}

	switch kind {
	case models.KindCollection:
		err = st.FinishCollectionRun(ctx, transformID, status, errMsg)
	case models.KindDataset:
		err = st.FinishDatasetRun(ctx, transformID, status, errMsg)
	default:
		return
	}
	if err != nil {
		log.Warn("finalize run failed", "transform_id", transformID, "error", err)
	}
}
