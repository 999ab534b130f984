package test

import (
	"os"
	"testing"
)

// Integration skips the test unless integration tests are enabled with SCRIPTRELAY_INTEGRATION=1.
// Integration tests need external resources such as a Docker daemon.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("SCRIPTRELAY_INTEGRATION") != "1" {
		t.Skip("skipping integration test, set SCRIPTRELAY_INTEGRATION=1 to run it")
	}
}
