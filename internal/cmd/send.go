package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentpool/agentpool/internal/config"
	"github.com/agentpool/agentpool/internal/handler"
	"github.com/agentpool/agentpool/internal/instance"
	"github.com/agentpool/agentpool/internal/logging"
)

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Execute one agent turn and print the response",
	Long: `Runs a single message through the pool without starting the HTTP server.
The response is printed as JSON on stdout. Useful for smoke-testing the
agent command and for scripting.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("session", "", "session ID (default: a fresh UUID)")
	sendCmd.Flags().String("client-id", "cli", "client ID reported to the pool")
	sendCmd.Flags().String("workdir", "", "working directory for the agent process")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	clientID, _ := cmd.Flags().GetString("client-id")
	workdir, _ := cmd.Flags().GetString("workdir")

	pool := instance.NewPool(instance.PoolConfig{
		MaxInstances: 1,
		IdleTimeout:  cfg.Pool.IdleTimeout(),
		Exec: instance.ExecConfig{
			Command:          cfg.Agent.Command,
			GracePeriod:      cfg.Agent.GracePeriod(),
			MaxBufferEntries: cfg.Agent.MaxBufferEntries,
		},
	}, logging.NopLogger())
	defer pool.Shutdown()

	h := handler.New(pool, nil, logging.NopLogger())

	resp := h.HandleMessage(cmd.Context(), handler.MessageRequest{
		Message:          strings.Join(args, " "),
		SessionID:        sessionID,
		ClientType:       handler.ClientAPI,
		ClientID:         clientID,
		WorkingDirectory: workdir,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}

	if resp.Status == instance.StatusFailed {
		return fmt.Errorf("agent turn failed")
	}
	return nil
}
