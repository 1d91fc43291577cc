// Package testutil provides testing utilities shared across agentpool tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentpool/agentpool/internal/instance"
)

// WriteAgentScript creates a fake agent executable for tests. The script is
// invoked with the real argv ("--dangerously-skip-permissions", "-p",
// message) and may inspect or ignore it. The file lives in a per-test temp
// directory and is cleaned up automatically.
func WriteAgentScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write agent script: %v", err)
	}
	return path
}

// NewAgentPool creates a pool backed by a fake agent script, with fast stop
// semantics suitable for tests. The pool is shut down when the test ends.
func NewAgentPool(t *testing.T, maxInstances int, agentBody string) *instance.Pool {
	t.Helper()

	pool := instance.NewPool(instance.PoolConfig{
		MaxInstances: maxInstances,
		IdleTimeout:  30 * time.Minute,
		Exec: instance.ExecConfig{
			Command:     WriteAgentScript(t, agentBody),
			GracePeriod: 100 * time.Millisecond,
		},
	}, nil)
	t.Cleanup(pool.Shutdown)
	return pool
}
