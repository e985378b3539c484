package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionShort(t *testing.T) {
	out, err := runCommand(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestVersionJSON(t *testing.T) {
	out, err := runCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"router": "router.v1.0"`)
	assert.Contains(t, out, `"pipeline": "pipeline.v1.0"`)
}

func TestIndexListsAllowedRepos(t *testing.T) {
	out, err := runCommand(t, "index", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "uselight/help-center")
	assert.Contains(t, out, "uselight/product-docs")
	assert.Contains(t, out, "uselight/sales-playbook")
}

func TestIndexRequiresRepo(t *testing.T) {
	_, err := runCommand(t, "index")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--repo is required")
}
