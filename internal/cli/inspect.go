package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/remote"
	"github.com/kilupskalvis/scenemerge/internal/replica"
	"github.com/kilupskalvis/scenemerge/internal/store"
	"github.com/spf13/cobra"
)

var (
	inspectAfter uint64
	inspectLimit int
	inspectJSON  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <doc>",
	Short: "Show a document's operation log",
	Long: `Print the metadata and accepted operations stored for a document in the
local data directory. The server holds the log open, so stop it first or
use 'scenemerge snapshot' against the running server instead.

Examples:
  scenemerge inspect design
  scenemerge inspect design --after 120 -n 20
  scenemerge inspect design --json`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

var inspectMetaKeys = []string{"doc_id", "created_at", "position_policy", "placeholder_adoption"}

func init() {
	inspectCmd.Flags().Uint64Var(&inspectAfter, "after", 0, "Only show entries after this sequence number")
	inspectCmd.Flags().IntVarP(&inspectLimit, "n", "n", 0, "Limit the number of entries to show")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print entries as JSON")
}

func runInspect(_ *cobra.Command, args []string) {
	docID := args[0]
	if err := replica.ValidateID(docID); err != nil {
		exitError("%v", err)
	}
	cfg := loadConfig()

	path := filepath.Join(cfg.DataDir, "docs", docID, "ops.db")
	if _, err := os.Stat(path); err != nil {
		exitError("document '%s' not found in %s", docID, cfg.DataDir)
	}

	log, err := store.NewBboltLog(path)
	if err != nil {
		exitError("%v (is the server running?)", err)
	}
	defer log.Close()

	ctx := context.Background()
	entries, err := log.Load(ctx, inspectAfter)
	if err != nil {
		exitError("failed to load log: %v", err)
	}
	if inspectLimit > 0 && len(entries) > inspectLimit {
		entries = entries[:inspectLimit]
	}

	if inspectJSON {
		out := remote.LogResponse{Entries: make([]remote.LogEntry, 0, len(entries))}
		for _, e := range entries {
			out.Entries = append(out.Entries, remote.LogEntry{Seq: e.Seq, AppendedAt: e.AppendedAt, Op: models.ToEnvelope(e.Op)})
		}
		printJSON(out)
		return
	}

	for _, key := range inspectMetaKeys {
		v, err := log.GetValue(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			exitError("failed to read %s: %v", key, err)
		}
		fmt.Printf("%-22s %s\n", key+":", v)
	}
	total, err := log.Count(ctx)
	if err != nil {
		exitError("failed to count log: %v", err)
	}
	fmt.Printf("%-22s %d\n\n", "operations:", total)

	if len(entries) == 0 {
		fmt.Println("No operations")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, e := range entries {
		yellow.Printf("%6d ", e.Seq)
		fmt.Printf("%s  %-10s %-8s %s\n",
			e.AppendedAt.Format("2006-01-02 15:04:05"),
			e.Op.Stamp(),
			shortID(e.Op.OpID()),
			describeOp(e.Op))
	}
}
