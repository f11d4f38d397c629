package secrets_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/seceval/internal/secrets"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseEnvFile(t *testing.T) {
	path := writeEnv(t, `# credentials
OPENAI_API_KEY=sk-plain
export ANTHROPIC_API_KEY="sk-quoted"
SINGLE='single quoted'

NOT_A_PAIR
EMPTY=
URL=https://example.com/?a=b
OPENAI_API_KEY=sk-override
`)
	vars, err := secrets.ParseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"OPENAI_API_KEY":    "sk-override",
		"ANTHROPIC_API_KEY": "sk-quoted",
		"SINGLE":            "single quoted",
		"EMPTY":             "",
		"URL":               "https://example.com/?a=b",
	}, vars)
}

func TestParseEnvFileMissing(t *testing.T) {
	_, err := secrets.ParseEnvFile(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	path := writeEnv(t, "FROM_FILE=file-value\nSHADOWED=file\n")
	r, err := secrets.NewResolver(path)
	require.NoError(t, err)
	r.WithLookup(func(name string) (string, bool) {
		switch name {
		case "SHADOWED":
			return "process", true
		case "BLANK":
			return "", true
		}
		return "", false
	})

	env, missing := r.Passthrough([]string{"FROM_FILE", "SHADOWED", "NOWHERE", "BLANK"})
	assert.Equal(t, map[string]string{"FROM_FILE": "file-value", "SHADOWED": "process"}, env)
	assert.Equal(t, []string{"BLANK", "NOWHERE"}, missing)
}

func TestResolverWithoutFile(t *testing.T) {
	t.Setenv("SECEVAL_TEST_SECRET", "xyz")
	r, err := secrets.NewResolver("")
	require.NoError(t, err)
	env, missing := r.Passthrough([]string{"SECEVAL_TEST_SECRET"})
	assert.Equal(t, "xyz", env["SECEVAL_TEST_SECRET"])
	assert.Empty(t, missing)
}
