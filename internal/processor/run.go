package processor

import (
	"context"
	"errors"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/services"
)

// Result summarizes one engine run over a stage's items.
type Result struct {
	Discovered int
	Processed  int
	Skipped    int
	Failed     int
}

// Ok reports whether every attempted item succeeded.
func (r Result) Ok() bool {
	return r.Failed == 0
}

// Run drives a stage through the incremental engine. Per-item failures are
// logged and counted but do not abort the remaining items; only
// cancellation stops the loop early. The returned error covers engine-level
// problems (validation, discovery, resource loading, cancellation), not
// individual item failures.
func Run(ctx context.Context, stage Stage, logger *slog.Logger) (Result, error) {
	var result Result
	log := logging.NewComponentLogger(logger, stage.Name())

	if err := stage.ValidateArgs(); err != nil {
		return result, services.Wrap(services.ErrConfiguration, stage.Name(), "validate", "", err)
	}

	items, err := stage.DiscoverItems(ctx)
	if err != nil {
		return result, services.Wrap(services.ErrTransient, stage.Name(), "discover", "", err)
	}
	SortItems(items)
	result.Discovered = len(items)

	// Decide whether anything needs work before paying for model loads.
	pending := make([]Item, 0, len(items))
	missingByItem := make(map[string][]OutputSpec, len(items))
	for _, item := range items {
		missing := MissingOutputs(stage.ExpectedOutputs(item))
		if len(missing) == 0 {
			result.Skipped++
			log.Debug("item outputs present, skipping",
				logging.String(logging.FieldItemID, item.ID),
			)
			continue
		}
		pending = append(pending, item)
		missingByItem[item.ID] = missing
	}
	if len(pending) == 0 {
		log.Info("all items up to date",
			logging.Int("discovered", result.Discovered),
		)
		return result, nil
	}

	ok, err := stage.LoadResources(ctx)
	if err != nil {
		return result, services.Wrap(services.ErrTransient, stage.Name(), "load resources", "", err)
	}
	if !ok {
		return result, services.Wrap(services.ErrConfiguration, stage.Name(), "load resources", "stage reported resources unavailable", nil)
	}
	defer stage.Cleanup()

	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		itemCtx := services.WithItemID(ctx, item.ID)
		itemLog := logging.WithContext(itemCtx, log)
		missing := missingByItem[item.ID]
		itemLog.Info("processing item",
			logging.Int("missing_outputs", len(missing)),
		)

		if err := stage.ProcessItem(itemCtx, item, missing); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.Failed++
			itemLog.Error("item failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "rerun to retry incomplete items"),
			)
			continue
		}
		result.Processed++
	}

	log.Info("stage pass complete",
		logging.Int("discovered", result.Discovered),
		logging.Int("processed", result.Processed),
		logging.Int("skipped", result.Skipped),
		logging.Int("failed", result.Failed),
	)
	return result, nil
}
