package stages

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/ident"
	"loom/internal/logging"
	"loom/internal/processor"
)

// discoverUnitDirs enumerates per-episode subdirectories of root, one item
// per directory whose name carries an episode identity. A missing root is
// an empty corpus, not an error.
func discoverUnitDirs(root string, logger *slog.Logger) ([]processor.Item, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []processor.Item
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		episode, ok := ident.Parse(entry.Name())
		if !ok {
			if logger != nil {
				logger.Warn("skipping directory without parsable episode identity",
					logging.String("path", filepath.Join(root, entry.Name())),
				)
			}
			continue
		}
		items = append(items, processor.Item{
			ID:        episode.UnitID(),
			InputPath: filepath.Join(root, entry.Name()),
			Episode:   episode,
		})
	}
	return items, nil
}
