// Package processor implements the incremental engine every stage runs on:
// discover candidate work items, diff their declared outputs against what
// already exists on disk, and invoke stage logic only for the missing
// subset. Output-file existence is the ground truth for "already done", so
// reruns are idempotent without a separate ledger.
package processor

import (
	"sort"

	"loom/internal/fileutil"
	"loom/internal/ident"
)

// Item is one discrete unit of work discovered from the input corpus.
type Item struct {
	// ID is the item's stable identity, e.g. "s01e03".
	ID string
	// InputPath is the discovered source file or directory.
	InputPath string
	// Episode carries the parsed identity for stages that need it.
	Episode ident.Episode
}

// OutputSpec declares one expected output artifact for an item. The
// existence of the file at Path is the ground truth for completion.
type OutputSpec struct {
	Path     string
	Required bool
}

// MissingOutputs returns the required specs whose files do not exist.
// Optional outputs never block or trigger processing.
func MissingOutputs(specs []OutputSpec) []OutputSpec {
	var missing []OutputSpec
	for _, spec := range specs {
		if !spec.Required {
			continue
		}
		if !fileutil.Exists(spec.Path) {
			missing = append(missing, spec)
		}
	}
	return missing
}

// SortItems orders items deterministically by episode, falling back to ID.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		ki, kj := items[i].Episode.SortKey(), items[j].Episode.SortKey()
		if ki != kj {
			return ki < kj
		}
		return items[i].ID < items[j].ID
	})
}
