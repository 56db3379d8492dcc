package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var served string
	cmd := NewRootCommand(func(path string) error {
		served = path
		return nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if served != "" {
		out.WriteString("served " + served)
	}
	return out.String(), err
}

const diamond = `name: diamond
steps:
  - {id: fetch, name: Fetch, thing_id: h, profile_id: p}
  - {id: left, name: Left, thing_id: h, profile_id: p, depends_on: [fetch]}
  - {id: right, name: Right, thing_id: h, profile_id: p, depends_on: [fetch]}
  - {id: join, name: Join, thing_id: h, profile_id: p, depends_on: [left, right]}
`

func TestServeIsDefault(t *testing.T) {
	out, err := run(t, "--config", "custom.yaml")
	require.NoError(t, err)
	assert.Equal(t, "served custom.yaml", out)

	out, err = run(t, "serve")
	require.NoError(t, err)
	assert.Equal(t, "served config.yaml", out)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", writeDoc(t, diamond))
	require.NoError(t, err)
	assert.Contains(t, out, ": ok")

	out, err = run(t, "validate", writeDoc(t, `name: ""
steps:
  - {id: a, name: A, thing_id: h, profile_id: p, depends_on: [ghost]}
`))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, out, "runbook name is required")
	assert.Contains(t, out, `step "a" depends on unknown step "ghost"`)

	out, err = run(t, "validate", writeDoc(t, "steps:\n  - {name: no id}\n"))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NotEmpty(t, out)

	_, err = run(t, "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestOrder(t *testing.T) {
	out, err := run(t, "order", writeDoc(t, diamond))
	require.NoError(t, err)
	assert.Equal(t, "1\tfetch\t-\n2\tleft\tfetch\n3\tright\tfetch\n4\tjoin\tleft,right\n", out)
}
