package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	redisclient "github.com/vietddude/securelink/internal/infra/redis"
	"github.com/vietddude/securelink/internal/infra/signal"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Ask running clients to retry exhausted operations",
	Long:  `Publishes a manual retry request on the shared signal channel. Requires signals.redis to be configured.`,
	Run:   runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if !cfg.Signals.Enabled() {
		slog.Error("Signals are not configured, set signals.redis.url")
		os.Exit(1)
	}

	rc, err := redisclient.NewClient(cfg.Signals.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rc.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bridge := signal.NewRemoteBridge(rc, nil, cfg.Signals.Channel)
	err = bridge.Send(ctx, signal.Signal{
		Kind:   signal.ManualRetryRequested,
		Source: signal.SourceRemote,
		At:     time.Now(),
	})
	if err != nil {
		slog.Error("Failed to request retry", "error", err)
		os.Exit(1)
	}

	fmt.Println("Manual retry requested")
}
