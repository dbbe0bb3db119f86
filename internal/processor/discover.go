package processor

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"loom/internal/ident"
	"loom/internal/logging"
)

// DiscoverByGlob scans root for files matching pattern and builds items
// keyed by parsed episode identity. Files whose names carry no episode
// marker are dropped with a warning rather than failing discovery.
func DiscoverByGlob(root, pattern string, logger *slog.Logger) ([]Item, error) {
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	items := make([]Item, 0, len(matches))
	for _, path := range matches {
		episode, ok := ident.Parse(path)
		if !ok {
			if logger != nil {
				logger.Warn("skipping file without parsable episode identity",
					logging.String("path", path),
					logging.String(logging.FieldErrorHint, "rename to include SxxEyy"),
				)
			}
			continue
		}
		items = append(items, Item{
			ID:        episode.UnitID(),
			InputPath: path,
			Episode:   episode,
		})
	}
	return items, nil
}
