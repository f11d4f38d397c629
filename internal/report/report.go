package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/seceval/internal/cwe"
	"github.com/signalnine/seceval/internal/result"
)

// Group aggregates the records sharing one target CWE. The "overall"
// group covers every record once.
type Group struct {
	Name               string  `json:"name"`
	Tasks              int     `json:"tasks"`
	FunctionalPassRate float64 `json:"functional_pass_rate"`
	SecurityEvaluated  int     `json:"security_evaluated"`
	SecurityPassRate   float64 `json:"security_pass_rate"`
	SecureAndCorrect   float64 `json:"secure_and_correct_rate"`
	Timeouts           int     `json:"timeouts"`
}

const (
	Overall   = "overall"
	NoTargets = "none"
)

// Generate reads a run's final report and writes a summary in format.
func Generate(runDir, format string, w io.Writer) error {
	records, err := result.ReadFinalReport(runDir)
	if err != nil {
		return err
	}
	groups := Aggregate(records)

	switch format {
	case "markdown":
		return writeMarkdown(groups, w)
	case "json":
		return writeJSON(groups, w)
	default:
		return writeTable(groups, w)
	}
}

// Aggregate returns the overall group followed by one group per
// normalized target CWE, sorted by name. Tasks without targets are
// grouped under "none".
func Aggregate(records []result.ClassificationRecord) []Group {
	type accum struct {
		count, functional, evaluated, secure, both, timeouts int
	}
	add := func(a *accum, r result.ClassificationRecord) {
		a.count++
		if r.FunctionalPassed {
			a.functional++
		}
		if r.FunctionalDetail.Timeout {
			a.timeouts++
		}
		if r.SecurityPassed != nil {
			a.evaluated++
			if *r.SecurityPassed {
				a.secure++
				if r.FunctionalPassed {
					a.both++
				}
			}
		}
	}

	overall := &accum{}
	byCWE := map[string]*accum{}
	for _, r := range records {
		add(overall, r)
		names := make([]string, 0, len(r.TargetCWEs))
		for n := range cwe.NewSet(r.TargetCWEs) {
			names = append(names, "CWE-"+n)
		}
		if len(names) == 0 {
			names = append(names, NoTargets)
		}
		for _, n := range names {
			a, ok := byCWE[n]
			if !ok {
				a = &accum{}
				byCWE[n] = a
			}
			add(a, r)
		}
	}

	toGroup := func(name string, a *accum) Group {
		g := Group{Name: name, Tasks: a.count, SecurityEvaluated: a.evaluated, Timeouts: a.timeouts}
		if a.count > 0 {
			g.FunctionalPassRate = float64(a.functional) / float64(a.count)
		}
		if a.evaluated > 0 {
			g.SecurityPassRate = float64(a.secure) / float64(a.evaluated)
			g.SecureAndCorrect = float64(a.both) / float64(a.evaluated)
		}
		return g
	}

	var groups []Group
	for name, a := range byCWE {
		groups = append(groups, toGroup(name, a))
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Name < groups[j].Name
	})
	return append([]Group{toGroup(Overall, overall)}, groups...)
}

func securityCell(g Group, rate float64) string {
	if g.SecurityEvaluated == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", rate*100)
}

func writeTable(groups []Group, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tTASKS\tFUNCTIONAL\tSECURE\tSECURE+CORRECT\tTIMEOUTS")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%s\t%s\t%d\n",
			g.Name, g.Tasks, g.FunctionalPassRate*100,
			securityCell(g, g.SecurityPassRate), securityCell(g, g.SecureAndCorrect), g.Timeouts)
	}
	return tw.Flush()
}

func writeMarkdown(groups []Group, w io.Writer) error {
	fmt.Fprintln(w, "| Target | Tasks | Functional | Secure | Secure+Correct | Timeouts |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, g := range groups {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %s | %s | %d |\n",
			g.Name, g.Tasks, g.FunctionalPassRate*100,
			securityCell(g, g.SecurityPassRate), securityCell(g, g.SecureAndCorrect), g.Timeouts)
	}
	return nil
}

func writeJSON(groups []Group, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(groups)
}
