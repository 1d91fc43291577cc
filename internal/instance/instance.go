// Package instance provides the per-session agent process wrapper and the
// admission-controlled pool that owns all live instances.
//
// An Instance executes agent turns as short-lived child processes: the
// underlying CLI has no persistent request/response protocol, so each turn
// spawns one process with the prompt on its argv, captures its full output,
// and classifies the exit. No process survives between turns.
package instance

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	apperrors "github.com/agentpool/agentpool/internal/errors"
	"github.com/agentpool/agentpool/internal/logging"
)

// Status represents the lifecycle state of an instance.
type Status string

const (
	// StatusPending is the state between creation and the first Execute.
	StatusPending Status = "pending"

	// StatusRunning means an agent turn is in flight.
	StatusRunning Status = "running"

	// StatusCompleted means the last turn exited with code 0.
	StatusCompleted Status = "completed"

	// StatusFailed means the last turn exited non-zero or failed to spawn.
	StatusFailed Status = "failed"

	// StatusStopped means the instance was torn down by Stop, Delete, or
	// idle eviction. A stopped instance is never resurrected.
	StatusStopped Status = "stopped"
)

// ExecutionResult is the classified outcome of a single Execute call.
// Execute never returns a Go error: spawn failures and non-zero exits are
// both expressed here.
type ExecutionResult struct {
	Status   Status `json:"status"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Info is the read-only projection of an instance for external reporting.
// It deliberately excludes the raw output buffer; use Instance.Output for
// that.
type Info struct {
	InstanceID       string         `json:"instance_id"`
	SessionID        string         `json:"session_id"`
	ClientType       string         `json:"client_type"`
	ClientID         string         `json:"client_id"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivity     time.Time      `json:"last_activity"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	MessageCount     int            `json:"message_count"`
	Metadata         map[string]any `json:"metadata"`
}

// ExecConfig holds the subprocess execution settings shared by all instances
// in a pool.
type ExecConfig struct {
	// Command is the agent CLI entrypoint (default "claude").
	Command string

	// GracePeriod is how long Stop waits after an interrupt before force
	// killing the process (default 5s).
	GracePeriod time.Duration

	// MaxBufferEntries caps the output buffer; oldest entries are dropped
	// once the cap is reached (default 200).
	MaxBufferEntries int
}

// DefaultExecConfig returns the default execution settings.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Command:          "claude",
		GracePeriod:      5 * time.Second,
		MaxBufferEntries: 200,
	}
}

func (c ExecConfig) withDefaults() ExecConfig {
	def := DefaultExecConfig()
	if c.Command == "" {
		c.Command = def.Command
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.MaxBufferEntries <= 0 {
		c.MaxBufferEntries = def.MaxBufferEntries
	}
	return c
}

// Instance owns one session's agent process lifecycle and captured output.
// All mutable fields are guarded by mu; the spawned process itself runs
// outside the lock so Stop can interrupt an in-flight Execute.
type Instance struct {
	id         string
	sessionID  string
	clientType string
	clientID   string
	workingDir string
	cfg        ExecConfig
	logger     *logging.Logger

	mu           sync.Mutex
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	messageCount int
	outputBuffer []string
	metadata     map[string]any

	// cmd is the live process handle during an Execute call, nil otherwise.
	cmd *exec.Cmd
}

// New creates an instance in the pending state. The pool is the only
// intended caller.
func New(id, sessionID, clientType, clientID, workingDir string, metadata map[string]any, cfg ExecConfig, logger *logging.Logger) *Instance {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Instance{
		id:         id,
		sessionID:  sessionID,
		clientType: clientType,
		clientID:   clientID,
		workingDir: workingDir,
		cfg:        cfg.withDefaults(),
		logger:     logger.WithInstance(id).WithSession(sessionID),
		status:     StatusPending,
		metadata:   metadata,
	}
}

// Start marks the instance running and stamps its timestamps. No process is
// spawned here; processes are spawned per Execute call.
func (i *Instance) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	i.status = StatusRunning
	i.createdAt = now
	i.lastActivity = now

	i.logger.Info("instance started", "client_type", i.clientType)
}

// Execute runs one agent turn: spawn the child process with the message on
// its argv, wait for it, capture stdout/stderr, and classify the exit.
//
// Execute never returns an error. Spawn failures (binary missing, permission
// denied) produce a failed result with exit code -1; non-zero exits produce
// a failed result with the real exit code. The process handle is cleared
// after every call regardless of outcome.
func (i *Instance) Execute(ctx context.Context, message string) ExecutionResult {
	i.mu.Lock()
	i.messageCount++
	i.lastActivity = time.Now()
	i.status = StatusRunning
	command := i.cfg.Command
	workingDir := i.workingDir
	i.mu.Unlock()

	cmd := exec.CommandContext(ctx, command, "--dangerously-skip-permissions", "-p", message)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	i.mu.Lock()
	i.cmd = cmd
	i.mu.Unlock()

	err := cmd.Run()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.cmd = nil

	output := lossyDecode(stdout.Bytes())
	errText := lossyDecode(stderr.Bytes())

	if err != nil && cmd.ProcessState == nil {
		// The process never ran: binary missing, permission denied, bad cwd.
		i.status = StatusFailed
		spawnErr := apperrors.NewSpawnError(command, err)
		i.logger.Error("agent process spawn failed", "error", spawnErr.Error())
		return ExecutionResult{
			Status:   StatusFailed,
			Output:   "",
			Error:    err.Error(),
			ExitCode: -1,
		}
	}

	if output != "" {
		i.appendOutputLocked(output)
	}
	if errText != "" {
		i.appendOutputLocked("STDERR: " + errText)
	}

	exitCode := cmd.ProcessState.ExitCode()
	if exitCode == 0 {
		i.status = StatusCompleted
		i.logger.Debug("agent turn completed",
			"message_count", i.messageCount,
			"output_bytes", len(output))
		return ExecutionResult{
			Status:   StatusCompleted,
			Output:   output,
			Error:    errText,
			ExitCode: 0,
		}
	}

	i.status = StatusFailed
	i.logger.Warn("agent turn failed",
		"exit_code", exitCode,
		"stderr_bytes", len(errText))
	return ExecutionResult{
		Status:   StatusFailed,
		Output:   output,
		Error:    errText,
		ExitCode: exitCode,
	}
}

// Stop tears the instance down. If a process is still in flight it receives
// an interrupt, then a kill after the grace period. Errors during stop are
// logged, never propagated: Stop is a best-effort cleanup primitive.
func (i *Instance) Stop() {
	i.mu.Lock()
	cmd := i.cmd
	grace := i.cfg.GracePeriod
	i.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			i.logger.Debug("interrupt signal failed", "error", err.Error())
		}

		// The in-flight Execute owns the Wait; poll for it to clear the
		// handle, then escalate to a kill.
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			i.mu.Lock()
			live := i.cmd != nil
			i.mu.Unlock()
			if !live {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		i.mu.Lock()
		still := i.cmd
		i.mu.Unlock()
		if still != nil && still.Process != nil {
			if err := still.Process.Kill(); err != nil {
				i.logger.Warn("force kill failed", "error", err.Error())
			} else {
				i.logger.Warn("agent process force killed after grace period")
			}
		}
	}

	i.mu.Lock()
	i.status = StatusStopped
	i.mu.Unlock()

	i.logger.Info("instance stopped")
}

// Touch updates the activity timestamp. The pool calls this on session hits.
func (i *Instance) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActivity = time.Now()
}

// Snapshot returns a read-only projection of the instance.
func (i *Instance) Snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	metadata := make(map[string]any, len(i.metadata))
	for k, v := range i.metadata {
		metadata[k] = v
	}

	return Info{
		InstanceID:       i.id,
		SessionID:        i.sessionID,
		ClientType:       i.clientType,
		ClientID:         i.clientID,
		Status:           i.status,
		CreatedAt:        i.createdAt,
		LastActivity:     i.lastActivity,
		WorkingDirectory: i.workingDir,
		MessageCount:     i.messageCount,
		Metadata:         metadata,
	}
}

// Output returns a copy of the captured output buffer, oldest first.
func (i *Instance) Output() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.outputBuffer...)
}

// ID returns the server-generated instance ID.
func (i *Instance) ID() string { return i.id }

// SessionID returns the caller-supplied session key.
func (i *Instance) SessionID() string { return i.sessionID }

// ClientType returns the originating client type.
func (i *Instance) ClientType() string { return i.clientType }

// ClientID returns the originating client ID.
func (i *Instance) ClientID() string { return i.clientID }

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// LastActivity returns the last pool-hit or Execute timestamp.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// MessageCount returns the number of Execute calls so far.
func (i *Instance) MessageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.messageCount
}

// appendOutputLocked appends to the output buffer, dropping the oldest
// entries once the cap is reached. Caller must hold mu.
func (i *Instance) appendOutputLocked(text string) {
	i.outputBuffer = append(i.outputBuffer, text)
	if excess := len(i.outputBuffer) - i.cfg.MaxBufferEntries; excess > 0 {
		i.outputBuffer = i.outputBuffer[excess:]
	}
}

// lossyDecode converts raw process output to a valid UTF-8 string, replacing
// invalid bytes instead of failing.
func lossyDecode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
