package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var completionShells = []string{"bash", "zsh", "fish", "powershell"}

// detectShell picks the completion dialect from $SHELL, bash if unknown.
func detectShell() string {
	name := strings.ToLower(filepath.Base(os.Getenv("SHELL")))
	for _, shell := range completionShells {
		if strings.Contains(name, shell) {
			return shell
		}
	}
	if strings.Contains(name, "pwsh") {
		return "powershell"
	}
	return "bash"
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for jobwrap.

Without an argument the shell is taken from $SHELL.

  bash:        source <(jobwrap completion bash)
  zsh:         jobwrap completion zsh > "${fpath[1]}/_jobwrap"
  fish:        jobwrap completion fish > ~/.config/fish/completions/jobwrap.fish
  powershell:  jobwrap completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             completionShells,
	Args:                  cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := detectShell()
		if len(args) > 0 {
			shell = args[0]
		}
		return writeCompletion(cmd.Root(), shell, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func writeCompletion(root *cobra.Command, shell string, w io.Writer) error {
	switch shell {
	case "bash":
		var buf bytes.Buffer
		if err := root.GenBashCompletionV2(&buf, true); err != nil {
			return err
		}
		_, err := io.WriteString(w, postProcessBashCompletion(buf.String()))
		return err
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	default:
		return root.GenPowerShellCompletionWithDesc(w)
	}
}

// postProcessBashCompletion falls back to plain file completion after "--",
// where `jobwrap exec -- <program> ...` hands the rest of the line to the program.
func postProcessBashCompletion(script string) string {
	oldCode := `args=("${words[@]:1}")
    requestComp="${words[0]} __complete ${args[*]}"`

	newCode := `args=("${words[@]:1}")
    for word in "${words[@]}"; do
        if [[ "$word" == "--" ]]; then
            return
        fi
    done
    requestComp="${words[0]} __complete ${args[*]}"`

	return strings.Replace(script, oldCode, newCode, 1)
}
