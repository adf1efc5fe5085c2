package engine

import (
	"os"
	"testing"
)

// cleanupStrayEngineArtifacts removes the real-filesystem state directory a
// run falls back to when RunOptions.LogsRoot is left unset (defaultLogsRoot:
// $XDG_STATE_HOME/orchestra or $HOME/.local/state/orchestra). Fixtures that
// exercise the engine end to end always set LogsRoot to a t.TempDir, but a
// prior test run that panicked before doing so — or a helper that forgets
// to — can otherwise leak run directories onto the real machine. Called
// both before and after a fixture runs, so neither a previous leak nor this
// run's own leak pollutes subsequent tests.
func cleanupStrayEngineArtifacts(t *testing.T) {
	t.Helper()

	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return
		}
		base = home + "/.local/state"
	}
	_ = os.RemoveAll(base + "/orchestra")
}
