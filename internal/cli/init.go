package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/kilupskalvis/scenemerge/internal/config"
	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/spf13/cobra"
)

var (
	initDataDir string
	initPolicy  string
	initRoots   []string
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a default scenemerge config file.

The file is created at the given path, or scenemerge.toml in the current
directory. An existing file is never overwritten.

Examples:
  scenemerge init
  scenemerge init /etc/scenemerge.toml --data-dir /var/lib/scenemerge
  scenemerge init --position-policy lww --root page-1 --root page-2`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDataDir, "data-dir", config.DefaultDataDir, "Directory for document logs")
	initCmd.Flags().StringVar(&initPolicy, "position-policy", string(crdt.PositionArrival), "Position policy (arrival|lww)")
	initCmd.Flags().StringArrayVar(&initRoots, "root", nil, "Root node id, repeat for multiple (default: root)")
}

func runInit(_ *cobra.Command, args []string) {
	path := config.DefaultConfigFile
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := crdt.ParsePositionPolicy(initPolicy); err != nil {
		exitError("%v", err)
	}

	cfg, err := config.Initialize(path)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	cfg.DataDir = initDataDir
	cfg.PositionPolicy = initPolicy
	if len(initRoots) > 0 {
		cfg.Roots = initRoots
	}
	if err := cfg.Validate(); err != nil {
		os.Remove(path)
		exitError("%v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("  data_dir:        %s\n", cfg.DataDir)
	fmt.Printf("  position_policy: %s\n", cfg.PositionPolicy)
	fmt.Printf("  roots:           %s\n", strings.Join(cfg.Roots, ", "))
	fmt.Printf("\nRun 'scenemerge token' to create an access token, then 'scenemerge serve'.\n")
}
