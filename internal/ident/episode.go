// Package ident parses episode identity out of corpus filenames.
//
// Every processor keys its work items and output directories off the
// identity extracted here, so the rules live in one place.
package ident

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var episodePattern = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])s(\d{1,2})[ ._-]?e(\d{1,3})(?:[^0-9]|$)`)

// Episode identifies one episode of a series.
type Episode struct {
	Series  string
	Season  int
	Episode int
}

// Parse extracts an episode identity from a corpus filename such as
// "The Wire S01E03 1080p.mkv". The boolean is false when no SxxEyy marker
// can be found.
func Parse(name string) (Episode, bool) {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	match := episodePattern.FindStringSubmatchIndex(base)
	if match == nil {
		return Episode{}, false
	}

	season, err := strconv.Atoi(base[match[2]:match[3]])
	if err != nil {
		return Episode{}, false
	}
	episode, err := strconv.Atoi(base[match[4]:match[5]])
	if err != nil {
		return Episode{}, false
	}
	if season <= 0 || episode <= 0 {
		return Episode{}, false
	}

	return Episode{
		Series:  normalizeSeries(base[:match[0]]),
		Season:  season,
		Episode: episode,
	}, true
}

func normalizeSeries(raw string) string {
	cleaned := strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(raw)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	return cases.Title(language.Und).String(strings.ToLower(cleaned))
}

// UnitID returns the stable lowercase key used for run-state records and
// artifact directories, e.g. "s01e03".
func (e Episode) UnitID() string {
	return fmt.Sprintf("s%02de%02d", e.Season, e.Episode)
}

// Label returns the operator-facing form, e.g. "S01E03".
func (e Episode) Label() string {
	return strings.ToUpper(e.UnitID())
}

// SortKey orders episodes by series, then season, then episode.
func (e Episode) SortKey() string {
	return fmt.Sprintf("%s|%03d|%03d", strings.ToLower(e.Series), e.Season, e.Episode)
}
