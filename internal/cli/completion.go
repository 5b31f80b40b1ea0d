package cli

import (
	"fmt"

	"github.com/kilupskalvis/scenemerge/internal/config"
	"github.com/kilupskalvis/scenemerge/internal/replica"
	"github.com/spf13/cobra"
)

var completionNoDesc bool

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish|powershell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for the given shell. Document ids for
'scenemerge inspect' are completed from the local data directory.

Examples:
  source <(scenemerge completion bash)
  scenemerge completion zsh > "${fpath[1]}/_scenemerge"
  scenemerge completion fish > ~/.config/fish/completions/scenemerge.fish
  scenemerge completion powershell | Out-String | Invoke-Expression`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE:                  runCompletion,
}

func init() {
	completionCmd.Flags().BoolVar(&completionNoDesc, "no-descriptions", false, "Leave command descriptions out of completions")
	inspectCmd.ValidArgsFunction = completeLocalDocs
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	root := cmd.Root()
	desc := !completionNoDesc

	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(out, desc)
	case "zsh":
		if desc {
			return root.GenZshCompletion(out)
		}
		return root.GenZshCompletionNoDesc(out)
	case "fish":
		return root.GenFishCompletion(out, desc)
	case "powershell":
		if desc {
			return root.GenPowerShellCompletionWithDesc(out)
		}
		return root.GenPowerShellCompletion(out)
	}
	return fmt.Errorf("unsupported shell %q", args[0])
}

// completeLocalDocs offers the documents stored under the configured data
// directory. A broken config yields no suggestions rather than an error.
func completeLocalDocs(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ids, err := replica.ListDocuments(cfg.DataDir)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
