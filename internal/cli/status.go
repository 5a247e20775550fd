package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/control"
	"github.com/vietddude/securelink/internal/core/config"
	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted channels and their queued operations",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	states, err := channel.PersistedStates(ctx, store)
	if err != nil {
		slog.Error("Failed to list channels", "error", err)
		os.Exit(1)
	}

	q := loadJournal(ctx, cfg, store)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CONNECTION\tUPDATED\tQUEUED")
	for _, s := range states {
		id := s.ConnectionID
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\n", id, s.UpdatedAt.Format(time.RFC3339), len(q.GetPending(&id)))
	}
	_ = w.Flush()
}

func openStore(ctx context.Context, cfg *config.AppConfig) storage.Store {
	store, _, err := control.OpenStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	return store
}

// loadJournal reads journaled operations into a queue that is never started.
func loadJournal(ctx context.Context, cfg *config.AppConfig, store storage.Store) *queue.Queue {
	q := queue.New(cfg.Queue, store, nil)
	inert := queue.BinderFunc(func(*domain.QueuedOperation) (domain.Executor, error) {
		return func(context.Context) error { return nil }, nil
	})
	if _, err := q.Restore(ctx, inert); err != nil {
		slog.Warn("Failed to read queued operations", "error", err)
	}
	return q
}
