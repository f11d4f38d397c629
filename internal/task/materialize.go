package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	FunctionalDir    = "evaluation"
	SecurityDir      = "codeql_source"
	RequirementsFile = "requirements.txt"
)

// Exclusion records a GenerationResult that never became a task.
type Exclusion struct {
	Key    Key
	Reason string
}

// Select turns generation results into tasks, dropping upstream errors and
// repeated (id, sample_index) pairs. Input order is preserved.
func Select(gens []GenerationResult) ([]Task, []Exclusion) {
	var (
		tasks    []Task
		excluded []Exclusion
	)
	seen := make(map[Key]bool)
	files := make(map[string]Key)
	for _, g := range gens {
		key := Key{ID: g.ID, SampleIndex: g.SampleIndex}
		if g.Error != "" {
			excluded = append(excluded, Exclusion{Key: key, Reason: "generation error: " + g.Error})
			continue
		}
		if seen[key] {
			excluded = append(excluded, Exclusion{Key: key, Reason: "duplicate id and sample_index"})
			continue
		}
		t := New(g)
		if other, ok := files[t.FunctionalFile]; ok {
			excluded = append(excluded, Exclusion{Key: key, Reason: fmt.Sprintf("filename %s already used by %s", t.FunctionalFile, other)})
			continue
		}
		seen[key] = true
		files[t.FunctionalFile] = key
		tasks = append(tasks, t)
	}
	return tasks, excluded
}

// Requirements unions install_requires across tasks plus any extras,
// collapsing duplicates and sorting the result.
func Requirements(tasks []Task, extra ...string) []string {
	set := make(map[string]bool)
	add := func(r string) {
		r = strings.TrimSpace(r)
		if r != "" {
			set[r] = true
		}
	}
	for _, t := range tasks {
		for _, r := range t.InstallRequires {
			add(r)
		}
	}
	for _, r := range extra {
		add(r)
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Materialize writes each task's combined source under
// <runDir>/evaluation and the run-wide requirements manifest.
func Materialize(runDir string, tasks []Task, extraRequirements ...string) ([]string, error) {
	dir := filepath.Join(runDir, FunctionalDir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	for _, t := range tasks {
		path := filepath.Join(dir, t.FunctionalFile)
		if err := os.WriteFile(path, []byte(t.Source), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
	}
	reqs := Requirements(tasks, extraRequirements...)
	if err := WriteRequirements(filepath.Join(runDir, RequirementsFile), reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func WriteRequirements(path string, reqs []string) error {
	var b strings.Builder
	for _, r := range reqs {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing requirements: %w", err)
	}
	return nil
}

// WriteSecurityTree writes each task's generated code, without tests,
// under <runDir>/codeql_source and returns that directory.
func WriteSecurityTree(runDir string, tasks []Task) (string, error) {
	dir := filepath.Join(runDir, SecurityDir)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	for _, t := range tasks {
		path := filepath.Join(dir, t.SecurityFile)
		if err := os.WriteFile(path, []byte(t.Code), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return dir, nil
}
