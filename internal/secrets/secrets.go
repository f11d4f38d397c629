// Package secrets resolves credentials that are passed through to the
// batch container.
package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ParseEnvFile reads KEY=VALUE pairs from a dotenv-style file. Blank
// lines, comments and lines without '=' are skipped; an "export " prefix
// and matching outer quotes are dropped. Later keys win.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	vars := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		vars[key] = stripQuotes(strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return vars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Resolver looks up pass-through variables in the process environment
// first and an env file second.
type Resolver struct {
	lookup  func(string) (string, bool)
	fileEnv map[string]string
}

// NewResolver builds a Resolver. An empty envFile means process env only;
// a named file that does not exist is an error.
func NewResolver(envFile string) (*Resolver, error) {
	r := &Resolver{lookup: os.LookupEnv}
	if envFile == "" {
		return r, nil
	}
	vars, err := ParseEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	r.fileEnv = vars
	return r, nil
}

// WithLookup replaces the process environment lookup.
func (r *Resolver) WithLookup(f func(string) (string, bool)) *Resolver {
	r.lookup = f
	return r
}

// Passthrough returns the values found for names. Missing names are
// returned separately, sorted.
func (r *Resolver) Passthrough(names []string) (env map[string]string, missing []string) {
	env = make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := r.lookup(name); ok && v != "" {
			env[name] = v
			continue
		}
		if v, ok := r.fileEnv[name]; ok {
			env[name] = v
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return env, missing
}
