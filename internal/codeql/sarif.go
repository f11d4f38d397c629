package codeql

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/signalnine/seceval/internal/cwe"
)

// Finding is one static-analysis result attributed to a single file.
type Finding struct {
	RuleID  string   `json:"rule_id"`
	CWETags []string `json:"cwe_tags"`
	Message string   `json:"message"`
	File    string   `json:"file"`
}

// sarifLog is the subset of SARIF 2.1.0 read by ParseResults.
type sarifLog struct {
	Runs []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool struct {
		Driver sarifDriver `json:"driver"`
	} `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifDriver struct {
	Name  string      `json:"name"`
	Rules []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID         string `json:"id"`
	Properties struct {
		Tags []string `json:"tags"`
	} `json:"properties"`
}

type sarifResult struct {
	RuleID    string `json:"ruleId"`
	RuleIndex *int   `json:"ruleIndex"`
	Rule      *struct {
		ID    string `json:"id"`
		Index *int   `json:"index"`
	} `json:"rule"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
		} `json:"physicalLocation"`
	} `json:"locations"`
}

// ParseResults reads a SARIF file and groups findings by the basename of
// each result's first location. Results without a location are dropped.
func ParseResults(outputPath string) (map[string][]Finding, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("reading sarif %s: %w", outputPath, err)
	}
	return ParseSARIF(data)
}

func ParseSARIF(data []byte) (map[string][]Finding, error) {
	var log sarifLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parsing sarif: %w", err)
	}

	out := make(map[string][]Finding)
	for _, run := range log.Runs {
		rules := run.Tool.Driver.Rules
		tagsByID := make(map[string][]string, len(rules))
		for _, r := range rules {
			tagsByID[r.ID] = cwe.FromTags(r.Properties.Tags)
		}

		for _, res := range run.Results {
			if len(res.Locations) == 0 {
				continue
			}
			file := baseName(res.Locations[0].PhysicalLocation.ArtifactLocation.URI)
			if file == "" {
				continue
			}
			ruleID, tags := resolveRule(res, rules, tagsByID)
			out[file] = append(out[file], Finding{
				RuleID:  ruleID,
				CWETags: tags,
				Message: res.Message.Text,
				File:    file,
			})
		}
	}

	for file := range out {
		fs := out[file]
		sort.SliceStable(fs, func(i, j int) bool {
			if fs[i].RuleID != fs[j].RuleID {
				return fs[i].RuleID < fs[j].RuleID
			}
			return fs[i].Message < fs[j].Message
		})
	}
	return out, nil
}

// resolveRule finds the rule a result refers to, by id first and by
// index when the id is absent.
func resolveRule(res sarifResult, rules []sarifRule, tagsByID map[string][]string) (string, []string) {
	id := res.RuleID
	idx := res.RuleIndex
	if res.Rule != nil {
		if id == "" {
			id = res.Rule.ID
		}
		if idx == nil {
			idx = res.Rule.Index
		}
	}
	if id == "" && idx != nil && *idx >= 0 && *idx < len(rules) {
		id = rules[*idx].ID
	}
	if tags, ok := tagsByID[id]; ok {
		return id, tags
	}
	if idx != nil && *idx >= 0 && *idx < len(rules) {
		return id, cwe.FromTags(rules[*idx].Properties.Tags)
	}
	return id, nil
}

func baseName(uri string) string {
	uri = strings.TrimPrefix(uri, "file://")
	uri = strings.ReplaceAll(uri, "\\", "/")
	if uri == "" {
		return ""
	}
	b := path.Base(uri)
	if b == "." || b == "/" {
		return ""
	}
	return b
}
