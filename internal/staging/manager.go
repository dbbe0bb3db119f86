// Package staging manages the ephemeral fast-storage working copies used by
// frame-bound sub-stages. A unit's large inputs are copied to the staging
// root once, shared by every sub-stage that needs them, and removed
// unconditionally when the unit finishes. Staged copies are never a cache:
// they do not survive the run.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"loom/internal/config"
	"loom/internal/fileutil"
	"loom/internal/logging"
)

// Manager owns the staging root directory.
type Manager struct {
	root    string
	minFree uint64
	logger  *slog.Logger
}

// NewManager constructs a staging manager from configuration.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		root:    cfg.Paths.StagingDir,
		minFree: uint64(cfg.Staging.MinFreeGiB) << 30,
		logger:  logging.NewComponentLogger(logger, "staging"),
	}
}

// Root returns the staging root directory.
func (m *Manager) Root() string {
	return m.root
}

// StageIn copies sourceDir into the staging root under unitID and returns
// the staged directory. It refuses when the staging filesystem would be
// left with less than the configured free-space floor. Any leftover staged
// copy for the same unit is replaced.
func (m *Manager) StageIn(ctx context.Context, sourceDir, unitID string) (string, error) {
	if strings.TrimSpace(sourceDir) == "" || strings.TrimSpace(unitID) == "" {
		return "", fmt.Errorf("staging: source directory and unit id are required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("staging: create root: %w", err)
	}

	stats, err := fileutil.StatsForDir(sourceDir)
	if err != nil {
		return "", fmt.Errorf("staging: measure source %s: %w", sourceDir, err)
	}
	if err := m.checkSpace(uint64(stats.Bytes)); err != nil {
		return "", err
	}

	target := filepath.Join(m.root, unitID)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("staging: clear previous copy: %w", err)
	}

	started := time.Now()
	if err := fileutil.CopyTree(sourceDir, target); err != nil {
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("staging: copy %s: %w", sourceDir, err)
	}

	m.logger.Info("staged working copy",
		logging.String("unit", unitID),
		logging.Int64("files", stats.Files),
		logging.Int64("bytes", stats.Bytes),
		logging.Duration("elapsed", time.Since(started)),
	)
	return target, nil
}

// Release removes a staged directory. It is safe to call on paths that were
// never staged or are already gone, so callers can defer it unconditionally.
func (m *Manager) Release(dir string) {
	if strings.TrimSpace(dir) == "" {
		return
	}
	// Only paths under the staging root are ever removed.
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		m.logger.Warn("refusing to release path outside staging root",
			logging.String("path", dir),
		)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove staged copy",
			logging.String("path", dir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
		)
		return
	}
	m.logger.Debug("released staged copy", logging.String("path", dir))
}

func (m *Manager) checkSpace(need uint64) error {
	var fs unix.Statfs_t
	if err := unix.Statfs(m.root, &fs); err != nil {
		return fmt.Errorf("staging: statfs %s: %w", m.root, err)
	}
	available := fs.Bavail * uint64(fs.Bsize)
	if available < need+m.minFree {
		return fmt.Errorf(
			"staging: insufficient space in %s: need %d bytes plus %d reserve, %d available",
			m.root, need, m.minFree, available,
		)
	}
	return nil
}
