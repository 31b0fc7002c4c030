package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// ExcludeFileName is read from the root of a backed-up tree; each line adds
// a glob pattern.
const ExcludeFileName = ".dcignore"

// globPattern is a parsed glob with its matching strategy.
type globPattern struct {
	pattern   string
	matchPath bool // true = match against the whole name; false = match against the last element only
}

// Exclusions decide which entry names are left out of a backup. Names are
// slash separated and relative to the backup root. A name is excluded when
// it equals one of Files, starts with one of Paths, or matches one of the
// glob patterns. Patterns without '/' match the last path element only.
type Exclusions struct {
	files    map[string]struct{}
	paths    []string
	patterns []globPattern
}

// NewExclusions builds an exclusion set. Blank lines and lines starting with
// '#' are ignored in every list.
func NewExclusions(files, paths, patterns []string) *Exclusions {
	e := &Exclusions{files: make(map[string]struct{})}
	for _, f := range clean(files) {
		e.files[f] = struct{}{}
	}
	e.paths = clean(paths)
	e.AddPatterns(patterns)
	return e
}

// AddPatterns appends glob patterns.
func (e *Exclusions) AddPatterns(patterns []string) {
	for _, p := range clean(patterns) {
		e.patterns = append(e.patterns, globPattern{
			pattern:   p,
			matchPath: strings.Contains(p, "/"),
		})
	}
}

func clean(raw []string) []string {
	var out []string
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" || strings.HasPrefix(r, "#") {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Excluded reports whether name is left out.
func (e *Exclusions) Excluded(name string) bool {
	if e == nil {
		return false
	}
	if _, ok := e.files[name]; ok {
		return true
	}
	for _, p := range e.paths {
		if strings.HasPrefix(name, p) {
			return true
		}
	}

	base := path.Base(name)
	for _, p := range e.patterns {
		subject := base
		if p.matchPath {
			subject = name
		}
		// A malformed pattern never matches.
		if matched, err := path.Match(p.pattern, subject); err == nil && matched {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.files) + len(e.paths) + len(e.patterns)
}

// ParseExcludeFile reads glob patterns, one per line. A missing file yields
// no patterns.
func ParseExcludeFile(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
