package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	showPath  bool
	initForce bool
)

// configKeysCompletion returns config keys for shell completion
func configKeysCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.Keys, cobra.ShellCompDirectiveNoFileComp
	}
	if len(args) == 1 {
		return configValueCompletion(args[0]), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

// configValueCompletion returns suggested values for a config key
func configValueCompletion(key string) []string {
	switch key {
	case "submit_job", "keep_script":
		return []string{"true", "false"}
	case "scheduler_type":
		return []string{"SLURM", "PBS"}
	case "module_shell":
		return []string{"bash", "zsh"}
	case "defaults.mail_type":
		return []string{"none", "begin", "end", "fail", "all"}
	case "defaults.time":
		return []string{"1:00:00", "12:00:00", "1-0:0:0", "2-0:0:0"}
	default:
		return nil
	}
}

// getConfigEnvVars returns the override variable of every config key, sorted.
func getConfigEnvVars() []string {
	vars := make([]string, 0, len(config.Keys))
	for _, key := range config.Keys {
		vars = append(vars, config.EnvVarName(key))
	}
	sort.Strings(vars)
	return vars
}

// validateConfigValue rejects values LoadFromViper would not accept.
func validateConfigValue(key, value string) error {
	switch key {
	case "submit_job", "keep_script":
		if value != "true" && value != "false" {
			return fmt.Errorf("%s must be true or false", key)
		}
	case "scheduler_type":
		if up := strings.ToUpper(value); up != "SLURM" && up != "PBS" {
			return fmt.Errorf("scheduler_type must be SLURM or PBS")
		}
	case "defaults.time":
		if _, err := jobspec.ParseWalltime(value); err != nil {
			return fmt.Errorf("invalid time limit %q: use D-HH:MM:SS, HH:MM:SS or a duration like 36h", value)
		}
	case "defaults.mail_type":
		if _, err := jobspec.ParseMailPolicy(value); err != nil {
			return err
		}
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage jobwrap configuration",
	Long: `Manage jobwrap configuration settings.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (JOBWRAP_*)
  3. User config file (~/.config/jobwrap/config.yaml)
  4. Home config file (~/.jobwrap/config.yaml)
  5. System config file (/etc/jobwrap/config.yaml)
  6. Defaults

The defaults.* keys fill job file fields that are left unset.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if showPath {
			configPath, err := config.GetUserConfigPath()
			if err != nil {
				ExitWithError("Failed to get config path: %v", err)
			}
			fmt.Println(configPath)
			return
		}

		fmt.Println(utils.StyleTitle("Config File Search Paths:"))
		foundActive := false
		for i, sp := range config.GetConfigSearchPaths() {
			status := ""
			if sp.InUse {
				status = " " + utils.StyleSuccess("← in use")
				foundActive = true
			} else if sp.Exists {
				status = " " + utils.StyleInfo("(exists)")
			}
			fmt.Printf("  %d. [%s] %s%s\n", i+1, sp.Type, sp.Path, status)
		}
		if !foundActive {
			fmt.Printf("  %s (use 'jobwrap config init' to create)\n", utils.StyleWarning("No config file found"))
		}
		fmt.Println()

		fmt.Println(utils.StyleTitle("Scheduler:"))
		if bin := viper.GetString("scheduler_bin"); bin != "" {
			fmt.Printf("  scheduler_bin:  %s (%s)\n", bin, viper.GetString("scheduler_type"))
		} else {
			fmt.Printf("  scheduler_bin:  %s\n", utils.StyleWarning("not found"))
		}
		submitJobConfig := viper.GetBool("submit_job")
		if submitJobConfig && !config.Global.SubmitJob {
			fmt.Printf("  submit_job:     %v (disabled by --local)\n", submitJobConfig)
		} else {
			fmt.Printf("  submit_job:     %v\n", config.Global.SubmitJob)
		}
		fmt.Printf("  keep_script:    %v\n", config.Global.KeepScript)
		fmt.Println()

		fmt.Println(utils.StyleTitle("Runtime:"))
		logsDir := viper.GetString("logs_dir")
		if logsDir == "" {
			logsDir = config.Global.LogsDir + " (default)"
		}
		fmt.Printf("  logs_dir:       %s\n", logsDir)
		fmt.Printf("  module_shell:   %s\n", config.Global.ModuleShell)
		fmt.Println()

		fmt.Println(utils.StyleTitle("Job Defaults:"))
		d := config.Global.Defaults
		fmt.Printf("  partition:      %s\n", orNone(d.Partition))
		fmt.Printf("  mail_type:      %s\n", orNone(d.MailType))
		fmt.Printf("  mail_user:      %s\n", orNone(d.MailUser))
		if d.Time > 0 {
			fmt.Printf("  time:           %s\n", jobspec.FormatWalltime(d.Time))
		} else {
			fmt.Printf("  time:           %s\n", utils.StyleInfo("none"))
		}
		fmt.Println()

		fmt.Println(utils.StyleTitle("Environment Variable Overrides:"))
		hasEnvOverrides := false
		for _, envVar := range getConfigEnvVars() {
			if val := os.Getenv(envVar); val != "" {
				fmt.Printf("  %s=%s\n", envVar, val)
				hasEnvOverrides = true
			}
		}
		if !hasEnvOverrides {
			fmt.Printf("  %s\n", utils.StyleInfo("none"))
		}
	},
}

func orNone(s string) string {
	if s == "" {
		return utils.StyleInfo("none")
	}
	return s
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Example: `  jobwrap config get scheduler_bin
  jobwrap config get defaults.partition`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: configKeysCompletion,
	Run: func(cmd *cobra.Command, args []string) {
		value := viper.Get(args[0])
		if value == nil {
			ExitWithError("Unknown config key: %s", args[0])
		}
		fmt.Println(value)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the user config file.

Time limits (defaults.time) accept D-HH:MM:SS, HH:MM:SS or Go durations (36h).`,
	Example: `  jobwrap config set defaults.partition shared
  jobwrap config set defaults.mail_type fail
  jobwrap config set defaults.time 1-0:0:0
  jobwrap config set logs_dir $SCRATCH/logs`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeysCompletion,
	Run: func(cmd *cobra.Command, args []string) {
		key, value := args[0], args[1]

		known := false
		for _, k := range config.Keys {
			if k == key {
				known = true
				break
			}
		}
		if !known {
			utils.PrintWarning("'%s' is not a standard config key", key)
		}
		if err := validateConfigValue(key, value); err != nil {
			ExitWithError("%v", err)
		}

		viper.Set(key, value)
		if err := config.SaveConfig(); err != nil {
			ExitWithError("Failed to save config: %v", err)
		}

		configPath, _ := config.GetUserConfigPath()
		utils.PrintSuccess("Set %s = %s", utils.StyleInfo(key), utils.StyleInfo(value))
		utils.PrintMessage("Config saved to: %s", utils.StylePath(configPath))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a user config file with defaults and the detected scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, err := config.GetUserConfigPath()
		if err != nil {
			ExitWithError("Failed to get config path: %v", err)
		}

		if utils.FileExists(configPath) && !initForce {
			if !utils.IsInteractiveShell() {
				ExitWithError("Config file already exists: %s (use --force to overwrite)", configPath)
			}
			utils.PrintWarning("Config file already exists: %s", configPath)
			fmt.Print("Overwrite? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				utils.PrintMessage("Cancelled")
				return
			}
		}

		found, err := config.DetectAndSaveTo(configPath)
		if err != nil {
			ExitWithError("Failed to save config: %v", err)
		}
		utils.PrintSuccess("Config file created: %s", utils.StylePath(configPath))

		fmt.Println()
		fmt.Println(utils.StyleTitle("Detected settings:"))
		if found {
			fmt.Printf("  Scheduler: %s (%s)\n", viper.GetString("scheduler_bin"), viper.GetString("scheduler_type"))
		} else {
			fmt.Printf("  Scheduler: %s (jobs will run locally)\n", utils.StyleWarning("not found"))
		}
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit config file in default editor",
	Long:  "Open the configuration file in your default text editor ($EDITOR)",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, err := config.GetUserConfigPath()
		if err != nil {
			ExitWithError("Failed to get config path: %v", err)
		}

		if !utils.FileExists(configPath) {
			utils.PrintMessage("Config file doesn't exist, creating it first...")
			if err := config.SaveConfig(); err != nil {
				ExitWithError("Failed to create config: %v", err)
			}
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			ExitWithError("Failed to open editor: %v", err)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the user config file path",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, err := config.GetUserConfigPath()
		if err != nil {
			ExitWithError("Failed to get config path: %v", err)
		}
		fmt.Println(configPath)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check that the scheduler binary is reachable and the job defaults parse",
	Run: func(cmd *cobra.Command, args []string) {
		valid := true
		report := func(ok bool, format string, a ...interface{}) {
			if ok {
				if !utils.QuietMode {
					fmt.Printf("%s %s\n", utils.StyleSuccess("✓"), fmt.Sprintf(format, a...))
				}
				return
			}
			fmt.Printf("%s %s\n", utils.StyleError("✗"), fmt.Sprintf(format, a...))
			valid = false
		}

		if bin := viper.GetString("scheduler_bin"); bin != "" {
			report(config.ValidateBinary(bin), "Scheduler binary: %s", bin)
		} else if !utils.QuietMode {
			fmt.Printf("%s Scheduler binary: not configured (jobs run locally)\n", utils.StyleWarning("⚠"))
		}
		report(config.ValidateBinary(config.Global.ModuleShell), "Module shell: %s", config.Global.ModuleShell)

		for _, key := range []string{"defaults.time", "defaults.mail_type", "scheduler_type"} {
			if value := viper.GetString(key); value != "" {
				err := validateConfigValue(key, value)
				report(err == nil, "%s: %s", key, value)
			}
		}

		if !valid {
			ExitWithError("Configuration has errors")
		}
		utils.PrintSuccess("Configuration is valid")
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&showPath, "path", false, "Show only the config file path")
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(configCmd)
}
