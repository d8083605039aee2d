package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifestYAML = `
name: notebook
zomes:
  - name: main
    entry_defs:
      - name: note
        visibility: public
    link_types:
      - refs
`

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifestYAML), 0o644))
	return path
}

// execute runs the CLI with the given args and captures stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "strand", cmd.Use)

	for _, name := range []string{"validate", "init", "run", "status", "chain"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %s should exist", name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "validate", "whatever.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidate_AcceptsManifest(t *testing.T) {
	out, err := execute(t, "validate", writeManifest(t))
	require.NoError(t, err)
	assert.Contains(t, out, "manifest notebook valid")
	assert.Contains(t, out, "dna hash: u")
}

func TestValidate_JSONOutput(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", writeManifest(t))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "notebook", data["name"])
	assert.NotEmpty(t, data["dna_hash"])
}

func TestValidate_RejectsMalformedManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zomes: 12\n"), 0o644))

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error:")
}

func TestInitStatusChain(t *testing.T) {
	dataDir := t.TempDir()
	manifestPath := writeManifest(t)

	out, err := execute(t, "init", "--data", dataDir, "--manifest", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "chain initialized")
	assert.FileExists(t, filepath.Join(dataDir, agentKeyFile))

	t.Run("init refuses to overwrite", func(t *testing.T) {
		_, err := execute(t, "init", "--data", dataDir, "--manifest", manifestPath)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("status reads the genesis head", func(t *testing.T) {
		out, err := execute(t, "--format", "json", "status", "--data", dataDir)
		require.NoError(t, err)

		var resp Response
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		data := resp.Data.(map[string]any)
		assert.Equal(t, float64(1), data["chain_seq"], "dna root plus agent entry")
	})

	t.Run("chain dumps both genesis actions", func(t *testing.T) {
		out, err := execute(t, "chain", "--data", dataDir)
		require.NoError(t, err)
		assert.Contains(t, out, "dna")
		assert.Contains(t, out, "create")
	})

	t.Run("chain limit keeps only the newest", func(t *testing.T) {
		out, err := execute(t, "--format", "json", "chain", "--data", dataDir, "--limit", "1")
		require.NoError(t, err)

		var resp Response
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		entries := resp.Data.([]any)
		require.Len(t, entries, 1)
	})
}

func TestStatus_MissingDataDir(t *testing.T) {
	_, err := execute(t, "status", "--data", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dataDir := t.TempDir()
	manifestPath := writeManifest(t)
	_, err := execute(t, "init", "--data", dataDir, "--manifest", manifestPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"run", "--data", dataDir, "--manifest", manifestPath})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// Give the cell a moment to start, then stop it.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Contains(t, out.String(), "Cell started")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop on context cancel")
	}
}

func TestKeyFile_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	ks1, agent1, err := createAgentKey(dir)
	require.NoError(t, err)
	require.True(t, ks1.Holds(agent1))

	ks2, agent2, err := loadAgentKey(dir)
	require.NoError(t, err)
	assert.True(t, agent1.Equal(agent2), "reloaded key must yield the same agent")
	require.True(t, ks2.Holds(agent2))

	sig1, err := ks1.Sign(agent1, []byte("same message"))
	require.NoError(t, err)
	sig2, err := ks2.Sign(agent2, []byte("same message"))
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}
