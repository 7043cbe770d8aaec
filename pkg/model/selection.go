package model

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Selection picks tasks by id, or by the conjunction of name pattern,
// states, folders and error pattern.
type Selection struct {
	IDs          []int64
	Name         string
	States       StateSet
	Folders      []string
	Recursive    bool
	ErrorPattern string
}

// IsEmpty reports whether the selection can only match by ids or states.
func (s Selection) IsEmpty() bool {
	return len(s.IDs) == 0 && len(s.States) == 0
}

// Select returns the matching tasks in store order.
func (s Selection) Select(tasks []*Task) []*Task {
	var out []*Task
	if len(s.IDs) > 0 {
		for _, t := range tasks {
			if slices.Contains(s.IDs, t.ID) {
				out = append(out, t)
			}
		}
		return out
	}
	name := globRegexp(s.Name)
	errPattern := globRegexp(s.ErrorPattern)
	for _, t := range tasks {
		if len(s.States) > 0 && !s.States[t.State] {
			continue
		}
		if !s.inFolders(t.Folder) {
			continue
		}
		if name != nil && !name.MatchString(t.Cmd.Name()) {
			continue
		}
		if errPattern != nil && !errPattern.MatchString(t.Error) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s Selection) inFolders(folder string) bool {
	if len(s.Folders) == 0 {
		return true
	}
	for _, f := range s.Folders {
		f = filepath.Clean(f)
		if folder == f {
			return true
		}
		if s.Recursive && (f == "/" || strings.HasPrefix(folder, f+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// globRegexp turns a shell glob into an anchored regexp. Unlike
// filepath.Match, "*" also matches "/", which error lines often contain.
func globRegexp(glob string) *regexp.Regexp {
	if glob == "" {
		return nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
