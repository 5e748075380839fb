package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSingleTurnGreeting(t *testing.T) {
	setupCLIEnv(t)

	output, err := runCLI(t, "chat", "--message", "hello")
	require.NoError(t, err)
	assert.Contains(t, output, "Hello")
}

func TestChatSingleTurnQuestion(t *testing.T) {
	setupCLIEnv(t)
	doc := writeDoc(t, t.TempDir(), "boiler.txt",
		"Boiler pressure must stay below 60 psi in Building A.")

	_, err := runCLI(t, "ingest", doc)
	require.NoError(t, err)

	output, err := runCLI(t, "chat", "--thread", "cli-test", "--message",
		"Boiler pressure must stay below 60 psi in Building A.")
	require.NoError(t, err)
	assert.Contains(t, output, "psi")
}

func TestChatThreadResumesAcrossRuns(t *testing.T) {
	setupCLIEnv(t)

	_, err := runCLI(t, "chat", "--thread", "resume-test", "--message", "hello")
	require.NoError(t, err)

	// The thread ended with goodbye cannot be resumed.
	_, err = runCLI(t, "chat", "--thread", "resume-test", "--message", "bye")
	require.NoError(t, err)

	_, err = runCLI(t, "chat", "--thread", "resume-test", "--message", "hello again")
	require.Error(t, err)
}

func TestChatRejectsBadThreadID(t *testing.T) {
	setupCLIEnv(t)

	_, err := runCLI(t, "chat", "--thread", "../escape", "--message", "hello")
	require.Error(t, err)
}
