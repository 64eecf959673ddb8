package watcher

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/moby/patternmatcher"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/portal"
)

// Builtins are always excluded and cannot be re-included by user rules.
var Builtins = []string{".hookflow", ".git", ".cargo", "node_modules", ".node_modules"}

// IgnoreFiles are the ignore file names looked up, in order of preference.
var IgnoreFiles = []string{".hookflow_ignore", ".gitignore"}

// Filter decides which paths under root are noise. A Filter is immutable;
// the watcher swaps in a new one when the ignore file changes.
type Filter struct {
	root       string
	ignoreFile string
	exclude    []string
	builtin    *patternmatcher.PatternMatcher
	user       *patternmatcher.PatternMatcher
}

// NewFilter builds the filter for root from the first of candidates found
// upward from root. Without an ignore file only the built-ins apply. Every
// directory in exclude, absolute or relative to root, is excluded with its
// whole subtree like a built-in.
func NewFilter(root string, candidates []string, exclude ...string) (*Filter, error) {
	builtin, err := patternmatcher.New(anywhere(Builtins))
	if err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeInternal, "compile built-in exclusions")
	}
	f := &Filter{root: root, builtin: builtin}
	for _, dir := range exclude {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		dir = filepath.Clean(dir)
		// excluding the root itself would silence the whole tree
		if dir == filepath.Clean(root) || slices.Contains(f.exclude, dir) {
			continue
		}
		f.exclude = append(f.exclude, dir)
	}

	path, err := portal.FindAnyFrom(root, candidates...)
	if err != nil {
		if fault.IsNotFound(err) {
			return f, nil
		}
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeIO, "open ignore file")
	}
	defer file.Close()

	patterns, err := ReadIgnore(file)
	if err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeIO, "read ignore file")
	}
	user, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeConfig, fmt.Sprintf("invalid pattern in %s", path))
	}

	f.ignoreFile = path
	f.user = user
	return f, nil
}

// IgnoreFile is the ignore file in effect, or "" when none was found.
func (f *Filter) IgnoreFile() string {
	return f.ignoreFile
}

// Excluded reports whether path, absolute or relative to the root, is noise.
// Paths outside the root are always excluded.
func (f *Filter) Excluded(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(f.root, path)
		if err != nil {
			return true
		}
		rel = r
	}
	if rel == "." {
		return false
	}
	if outside(rel) {
		return true
	}

	abs := filepath.Join(f.root, rel)
	for _, dir := range f.exclude {
		if r, err := filepath.Rel(dir, abs); err == nil && !outside(r) {
			return true
		}
	}
	if ok, _ := f.builtin.MatchesOrParentMatches(rel); ok {
		return true
	}
	if f.user == nil {
		return false
	}
	ok, _ := f.user.MatchesOrParentMatches(rel)
	return ok
}

// ReadIgnore converts gitignore syntax to patternmatcher patterns. A pattern
// without an inner slash matches at any depth; a leading slash anchors it to
// the root.
func ReadIgnore(r io.Reader) ([]string, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		negate := strings.HasPrefix(line, "!")
		if negate {
			line = line[1:]
		}
		line = strings.TrimPrefix(line, `\`)

		anchored := strings.HasPrefix(line, "/")
		line = strings.Trim(line, "/")
		if line == "" {
			continue
		}
		if !anchored && !strings.Contains(line, "/") {
			line = "**/" + line
		}

		if negate {
			line = "!" + line
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

func outside(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func anywhere(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "**/" + n
	}
	return out
}
