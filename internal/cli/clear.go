package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/securelink/internal/core/domain"
)

var clearCmd = &cobra.Command{
	Use:   "clear [connection_id]",
	Short: "Delete the persisted channel and queued operations of a connection",
	Args:  cobra.ExactArgs(1),
	Run:   runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) {
	id, err := domain.ParseConnectionKey(args[0])
	if err != nil {
		fmt.Printf("Invalid connection id: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()

	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	dropped := loadJournal(ctx, cfg, store).ClearConnectionQueue(ctx, id)
	if err := store.Delete(ctx, domain.ConnectionKey(id)); err != nil {
		slog.Error("Failed to delete channel", "connection", id, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Cleared connection %d (%d queued operations dropped)\n", id, dropped)
}
