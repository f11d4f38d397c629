package evaluator

import (
	"github.com/signalnine/seceval/internal/codeql"
	"github.com/signalnine/seceval/internal/cwe"
	"github.com/signalnine/seceval/internal/result"
	"github.com/signalnine/seceval/internal/task"
)

// Phases carries what the functional and security phases produced.
// Findings is only consulted when SecurityRan is set.
type Phases struct {
	Functional    map[string]result.FunctionalDetail
	FunctionalErr error
	Findings      map[string][]codeql.Finding
	SecurityRan   bool
}

// Correlate joins phase output into one record per task, in task order.
func Correlate(tasks []task.Task, p Phases) []result.ClassificationRecord {
	records := make([]result.ClassificationRecord, 0, len(tasks))
	for _, t := range tasks {
		detail, ok := p.Functional[t.FunctionalFile]
		switch {
		case ok:
			detail = detail.Normalize()
		case p.FunctionalErr != nil:
			detail = result.Faulted("functional phase failed: " + p.FunctionalErr.Error())
		default:
			detail = result.Faulted("no functional result recorded")
		}

		targets := t.TargetCWEs
		if targets == nil {
			targets = []string{}
		}
		rec := result.ClassificationRecord{
			ID:               t.ID,
			SampleIndex:      t.SampleIndex,
			TargetCWEs:       targets,
			FunctionalPassed: detail.Passed(),
			FunctionalDetail: detail,
		}
		if p.SecurityRan {
			matched := MatchFindings(t.TargetCWEs, p.Findings[t.SecurityFile])
			if matched == nil {
				matched = []codeql.Finding{}
			}
			secure := len(matched) == 0
			rec.SecurityPassed = &secure
			rec.MatchedFindings = matched
		}
		records = append(records, rec)
	}
	return records
}

// MatchFindings returns the findings carrying at least one target CWE.
func MatchFindings(targets []string, findings []codeql.Finding) []codeql.Finding {
	if len(targets) == 0 {
		return nil
	}
	set := cwe.NewSet(targets)
	var matched []codeql.Finding
	for _, f := range findings {
		if len(set.Intersect(f.CWETags)) > 0 {
			matched = append(matched, f)
		}
	}
	return matched
}
