package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragweave/ragweave/internal/ingest"
	"github.com/ragweave/ragweave/internal/metadata"
)

// setupCLIEnv isolates a command run: a private data dir, the deterministic
// embedder, and no user config or API keys leaking in from the host.
func setupCLIEnv(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("RAGWEAVE_DATA_DIR", dataDir)
	t.Setenv("RAGWEAVE_EMBEDDINGS_PROVIDER", "static")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAGWEAVE_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RAGWEAVE_QDRANT_HOST", "")
	t.Setenv("RAGWEAVE_WATCH_DIRS", "")
	return dataDir
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseMetaPairs(t *testing.T) {
	rec, err := parseMetaPairs([]string{"status=open", "team=facilities"})
	require.NoError(t, err)
	assert.Equal(t, metadata.Record{"status": "open", "team": "facilities"}, rec)

	rec, err = parseMetaPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = parseMetaPairs([]string{"no-equals"})
	require.Error(t, err)

	_, err = parseMetaPairs([]string{"=value"})
	require.Error(t, err)
}

func TestIngestFileEndToEnd(t *testing.T) {
	setupCLIEnv(t)
	doc := writeDoc(t, t.TempDir(), "manual.txt",
		"Boiler pressure must stay below 60 psi in Building A.")

	output, err := runCLI(t, "ingest", doc, "--meta", "status=open", "--json")
	require.NoError(t, err)

	var results []ingest.Result
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	require.Len(t, results, 1)
	assert.Equal(t, ingest.StatusSuccess, results[0].Status)
	assert.Positive(t, results[0].ChunksCreated)
	assert.Positive(t, results[0].VectorsStored)
}

func TestIngestDirectoryEndToEnd(t *testing.T) {
	setupCLIEnv(t)
	docs := t.TempDir()
	writeDoc(t, docs, "boiler.md", "Boiler maintenance happens quarterly.")
	writeDoc(t, docs, "pumps.md", "Condensate pumps are serviced every 90 days.")
	writeDoc(t, docs, "notes.log", "not a supported document type")

	output, err := runCLI(t, "ingest", docs, "--patterns", "*.md", "--json")
	require.NoError(t, err)

	var results []ingest.Result
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, ingest.StatusSuccess, r.Status)
	}
}

func TestIngestDuplicateSkipped(t *testing.T) {
	setupCLIEnv(t)
	dir := t.TempDir()
	first := writeDoc(t, dir, "a.txt", "Identical maintenance content.")
	second := writeDoc(t, dir, "b.txt", "Identical maintenance content.")

	_, err := runCLI(t, "ingest", first, "--json")
	require.NoError(t, err)

	output, err := runCLI(t, "ingest", second, "--json")
	require.NoError(t, err)

	var results []ingest.Result
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	require.Len(t, results, 1)
	assert.Equal(t, ingest.StatusSkipped, results[0].Status)
	assert.Equal(t, ingest.ReasonDuplicate, results[0].Reason)
}

func TestIngestMissingFile(t *testing.T) {
	setupCLIEnv(t)
	_, err := runCLI(t, "ingest", filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}
