package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// GenerationResult is one sample handed over by the generation client.
type GenerationResult struct {
	ID          string   `json:"id"`
	SampleIndex int      `json:"sample_index"`
	Code        string   `json:"code"`
	Metadata    Metadata `json:"metadata"`
	Error       string   `json:"error,omitempty"`
}

type Metadata struct {
	TargetCWEs      []string `json:"target_cwes"`
	InstallRequires []string `json:"install_requires"`
	UnitTests       string   `json:"unittests"`
}

// Key identifies a task within a run.
type Key struct {
	ID          string
	SampleIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.ID, k.SampleIndex)
}

// Task is the unit of evaluation derived from one GenerationResult.
type Task struct {
	Key
	TargetCWEs      []string
	InstallRequires []string
	// Code is the generated code alone, scanned by the security phase.
	Code string
	// Source is Code followed by the attached unit tests.
	Source string
	// FunctionalFile and SecurityFile are basenames, unique within a run.
	FunctionalFile string
	SecurityFile   string
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Stem returns the filename-safe form of (id, sampleIndex). Ids that are
// already safe are used verbatim; anything else is sanitized and tagged
// with a hash of the raw id so two different ids never share a stem.
func Stem(id string, sampleIndex int) string {
	if safeID.MatchString(id) {
		return fmt.Sprintf("%s_%d", id, sampleIndex)
	}
	sum := sha256.Sum256([]byte(id))
	clean := strings.Trim(unsafeChars.ReplaceAllString(id, "_"), "_")
	if clean == "" {
		clean = "id"
	}
	return fmt.Sprintf("%s_%s_%d", clean, hex.EncodeToString(sum[:4]), sampleIndex)
}

func FunctionalFilename(id string, sampleIndex int) string {
	return "test_" + Stem(id, sampleIndex) + ".py"
}

func SecurityFilename(id string, sampleIndex int) string {
	return "sample_" + Stem(id, sampleIndex) + ".py"
}

// New builds the task for a GenerationResult. It does not check Error.
func New(g GenerationResult) Task {
	return Task{
		Key:             Key{ID: g.ID, SampleIndex: g.SampleIndex},
		TargetCWEs:      append([]string(nil), g.Metadata.TargetCWEs...),
		InstallRequires: append([]string(nil), g.Metadata.InstallRequires...),
		Code:            g.Code,
		Source:          CombineSource(g.Code, g.Metadata.UnitTests),
		FunctionalFile:  FunctionalFilename(g.ID, g.SampleIndex),
		SecurityFile:    SecurityFilename(g.ID, g.SampleIndex),
	}
}

// CombineSource appends the unit tests to the generated code.
func CombineSource(code, tests string) string {
	if strings.TrimSpace(tests) == "" {
		return code
	}
	return strings.TrimRight(code, "\n") + "\n\n" + tests
}

// LoadGenerations reads a JSON array of GenerationResult records.
func LoadGenerations(path string) ([]GenerationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading generations %s: %w", path, err)
	}
	var gens []GenerationResult
	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("parsing generations %s: %w", path, err)
	}
	return gens, nil
}
