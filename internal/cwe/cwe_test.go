package cwe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signalnine/seceval/internal/cwe"
)

func TestFromTag(t *testing.T) {
	tests := []struct {
		tag    string
		want   string
		wantOK bool
	}{
		{"external/cwe/cwe-78", "78", true},
		{"external/cwe/cwe-078", "078", true},
		{"EXTERNAL/CWE/CWE-22", "22", true},
		{" external/cwe/cwe-89 ", "89", true},
		{"security", "", false},
		{"external/cwe/cwe-", "", false},
		{"external/cwe/cwe-78a", "", false},
		{"external/owasp/a03", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, ok := cwe.FromTag(tt.tag)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromTagsDeduplicates(t *testing.T) {
	got := cwe.FromTags([]string{
		"security",
		"external/cwe/cwe-078",
		"external/cwe/cwe-88",
		"external/cwe/cwe-078",
	})
	assert.Equal(t, []string{"078", "88"}, got)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "78", cwe.Normalize("CWE-78"))
	assert.Equal(t, "78", cwe.Normalize("cwe-78"))
	assert.Equal(t, "78", cwe.Normalize("Cwe-78"))
	assert.Equal(t, "78", cwe.Normalize("78"))
	assert.Equal(t, "078", cwe.Normalize("CWE-078"))
	assert.Equal(t, "", cwe.Normalize("  "))
}

// The remainder after the prefix is compared as a string, so a leading
// zero makes two ids different.
func TestLeadingZeroIsNotEquivalent(t *testing.T) {
	assert.True(t, cwe.Matches([]string{"CWE-78"}, []string{"CWE-78"}))
	assert.True(t, cwe.Matches([]string{"CWE-78"}, []string{"78"}))
	assert.False(t, cwe.Matches([]string{"CWE-78"}, []string{"CWE-078"}))
	assert.False(t, cwe.Matches([]string{"CWE-78"}, []string{"078"}))
}

func TestMatchesEmptyTargets(t *testing.T) {
	assert.False(t, cwe.Matches(nil, []string{"78", "89"}))
	assert.False(t, cwe.Matches([]string{}, []string{"78"}))
}

func TestSetIntersectSorted(t *testing.T) {
	s := cwe.NewSet([]string{"CWE-89", "cwe-22", "CWE-78", ""})
	assert.Len(t, s, 3)
	assert.Equal(t, []string{"22", "89"}, s.Intersect([]string{"89", "CWE-22", "79", "22"}))
	assert.True(t, s.Contains("cwe-78"))
	assert.False(t, s.Contains("CWE-078"))
}
