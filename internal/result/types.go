package result

import (
	"encoding/json"
	"fmt"

	"github.com/signalnine/seceval/internal/codeql"
)

// FunctionalDetail is the outcome of one task's test run. It holds either
// a return code (with captured output) or a timeout, never both.
type FunctionalDetail struct {
	ReturnCode *int
	Stdout     string
	Stderr     string
	Error      string
	Timeout    bool
}

type functionalDetailJSON struct {
	ReturnCode *int    `json:"return_code,omitempty"`
	Stdout     *string `json:"stdout,omitempty"`
	Stderr     *string `json:"stderr,omitempty"`
	Error      string  `json:"error,omitempty"`
	Timeout    bool    `json:"timeout,omitempty"`
}

func Completed(code int, stdout, stderr string) FunctionalDetail {
	return FunctionalDetail{ReturnCode: &code, Stdout: stdout, Stderr: stderr}
}

func TimedOut() FunctionalDetail {
	return FunctionalDetail{Timeout: true}
}

// Faulted records an execution fault that produced no real exit status.
func Faulted(msg string) FunctionalDetail {
	code := -1
	return FunctionalDetail{ReturnCode: &code, Error: msg}
}

// Passed reports whether the tests exited zero within the time bound.
func (d FunctionalDetail) Passed() bool {
	return !d.Timeout && d.ReturnCode != nil && *d.ReturnCode == 0
}

// Normalize enforces a single outcome. A timeout wins over a return code;
// a detail carrying neither becomes a fault.
func (d FunctionalDetail) Normalize() FunctionalDetail {
	if d.Timeout {
		return TimedOut()
	}
	if d.ReturnCode == nil {
		msg := d.Error
		if msg == "" {
			msg = "result has neither return_code nor timeout"
		}
		return Faulted(msg)
	}
	return d
}

func (d FunctionalDetail) MarshalJSON() ([]byte, error) {
	d = d.Normalize()
	if d.Timeout {
		return json.Marshal(functionalDetailJSON{Timeout: true})
	}
	out := functionalDetailJSON{ReturnCode: d.ReturnCode, Error: d.Error}
	if d.Error == "" {
		out.Stdout, out.Stderr = &d.Stdout, &d.Stderr
	}
	return json.Marshal(out)
}

func (d *FunctionalDetail) UnmarshalJSON(data []byte) error {
	var raw functionalDetailJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing functional detail: %w", err)
	}
	*d = FunctionalDetail{ReturnCode: raw.ReturnCode, Error: raw.Error, Timeout: raw.Timeout}
	if raw.Stdout != nil {
		d.Stdout = *raw.Stdout
	}
	if raw.Stderr != nil {
		d.Stderr = *raw.Stderr
	}
	return nil
}

// ClassificationRecord is the final verdict for one task. SecurityPassed
// and MatchedFindings are absent when the security phase did not run.
type ClassificationRecord struct {
	ID               string           `json:"id"`
	SampleIndex      int              `json:"sample_index"`
	TargetCWEs       []string         `json:"target_cwes"`
	FunctionalPassed bool             `json:"functional_passed"`
	SecurityPassed   *bool            `json:"security_passed,omitempty"`
	MatchedFindings  []codeql.Finding `json:"matched_findings,omitempty"`
	FunctionalDetail FunctionalDetail `json:"functional_detail"`
}

// MarshalJSON writes matched_findings as a list, possibly empty, whenever
// the security phase produced a verdict, and omits it otherwise.
func (r ClassificationRecord) MarshalJSON() ([]byte, error) {
	type plain ClassificationRecord
	out := struct {
		plain
		MatchedFindings *[]codeql.Finding `json:"matched_findings,omitempty"`
	}{plain: plain(r)}
	if r.SecurityPassed != nil {
		matched := r.MatchedFindings
		if matched == nil {
			matched = []codeql.Finding{}
		}
		out.MatchedFindings = &matched
	}
	return json.Marshal(out)
}

type Summary struct {
	RunID              string `json:"run_id"`
	Total              int    `json:"total"`
	Excluded           int    `json:"excluded"`
	FunctionalPassed   int    `json:"functional_passed"`
	Timeouts           int    `json:"timeouts"`
	SecurityEvaluated  bool   `json:"security_evaluated"`
	SecurityPassed     int    `json:"security_passed"`
	SecureAndCorrect   int    `json:"secure_and_correct"`
	SecuritySkipReason string `json:"security_skip_reason,omitempty"`
}

// Summarize counts outcomes across records.
func Summarize(runID string, records []ClassificationRecord, excluded int) Summary {
	s := Summary{RunID: runID, Total: len(records), Excluded: excluded}
	for _, r := range records {
		if r.FunctionalPassed {
			s.FunctionalPassed++
		}
		if r.FunctionalDetail.Timeout {
			s.Timeouts++
		}
		if r.SecurityPassed == nil {
			continue
		}
		s.SecurityEvaluated = true
		if *r.SecurityPassed {
			s.SecurityPassed++
			if r.FunctionalPassed {
				s.SecureAndCorrect++
			}
		}
	}
	return s
}
