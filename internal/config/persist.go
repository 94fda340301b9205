package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/viper"
)

// ConfigFilename is the name of the config file
const ConfigFilename = "config"

// ConfigType is the type of config file (yaml, json, toml)
const ConfigType = "yaml"

// EnvPrefix is the prefix for environment overrides (JOBWRAP_LOGS_DIR, ...).
const EnvPrefix = "JOBWRAP"

// Keys lists every config key that `config show` prints and `config init` writes.
var Keys = []string{
	"scheduler_bin",
	"scheduler_type",
	"submit_job",
	"keep_script",
	"logs_dir",
	"module_shell",
	"defaults.partition",
	"defaults.mail_user",
	"defaults.mail_type",
	"defaults.time",
}

// InitViper initializes Viper with proper search paths and defaults
// Priority (highest to lowest):
// 1. Command-line flags (handled by cobra)
// 2. Environment variables (JOBWRAP_*)
// 3. User config file (~/.config/jobwrap/config.yaml)
// 4. System config file (/etc/jobwrap/config.yaml)
// 5. Defaults
func InitViper() error {
	viper.SetConfigName(ConfigFilename)
	viper.SetConfigType(ConfigType)

	for _, sp := range configDirs() {
		viper.AddConfigPath(sp.Dir)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// ConfigSearchPath is one place a config file is looked for.
type ConfigSearchPath struct {
	Type   string // user, home or system
	Dir    string
	Path   string
	Exists bool
	InUse  bool
}

// configDirs lists the config directories in priority order.
func configDirs() []ConfigSearchPath {
	var dirs []ConfigSearchPath
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, ConfigSearchPath{Type: "user", Dir: filepath.Join(userConfigDir, "jobwrap")})
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, ConfigSearchPath{Type: "home", Dir: filepath.Join(home, ".jobwrap")})
	}
	return append(dirs, ConfigSearchPath{Type: "system", Dir: "/etc/jobwrap"})
}

// GetConfigSearchPaths returns every config file location with its status.
// InUse marks the file Viper actually read.
func GetConfigSearchPaths() []ConfigSearchPath {
	inUse := viper.ConfigFileUsed()
	paths := configDirs()
	for i := range paths {
		paths[i].Path = filepath.Join(paths[i].Dir, ConfigFilename+"."+ConfigType)
		paths[i].Exists = utils.FileExists(paths[i].Path)
		paths[i].InUse = inUse != "" && paths[i].Path == inUse
	}
	return paths
}

// setDefaults sets default values for all config keys
func setDefaults() {
	viper.SetDefault("scheduler_bin", "")
	viper.SetDefault("scheduler_type", "")
	viper.SetDefault("submit_job", true)
	viper.SetDefault("keep_script", false)
	viper.SetDefault("logs_dir", "")
	viper.SetDefault("module_shell", "bash")

	viper.SetDefault("defaults.partition", "")
	viper.SetDefault("defaults.mail_user", "")
	viper.SetDefault("defaults.mail_type", "none")
	viper.SetDefault("defaults.time", "")
}

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".jobwrap", ConfigFilename+"."+ConfigType), nil
	}

	return filepath.Join(userConfigDir, "jobwrap", ConfigFilename+"."+ConfigType), nil
}

// SaveConfig saves current Viper config to user config file
func SaveConfig() error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), utils.PermDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ValidateBinary checks if a binary exists and is executable
func ValidateBinary(binPath string) bool {
	if binPath == "" {
		return false
	}

	if filepath.IsAbs(binPath) {
		info, err := os.Stat(binPath)
		if err != nil {
			return false
		}
		return !info.IsDir() && info.Mode()&0111 != 0
	}

	_, err := exec.LookPath(binPath)
	return err == nil
}

// DetectSchedulerBin attempts to find scheduler binary
// Returns (binary_path, scheduler_type) if found
func DetectSchedulerBin() (string, string) {
	// SLURM first (most common in HPC)
	if path, err := exec.LookPath("sbatch"); err == nil {
		return path, "SLURM"
	}
	if path, err := exec.LookPath("qsub"); err == nil {
		return path, "PBS"
	}
	return "", ""
}

// AutoDetectAndSave detects the scheduler binary when the configured one is missing
// and persists it. Returns true if config was updated.
func AutoDetectAndSave() (bool, error) {
	if ValidateBinary(viper.GetString("scheduler_bin")) {
		return false, nil
	}

	detectedBin, detectedType := DetectSchedulerBin()
	if detectedBin == "" {
		return false, nil
	}
	viper.Set("scheduler_bin", detectedBin)
	viper.Set("scheduler_type", detectedType)

	if err := SaveConfig(); err != nil {
		return false, err
	}
	return true, nil
}

// DetectAndSaveTo re-detects the scheduler binary and writes the full config to path.
// Returns true if a scheduler was found.
func DetectAndSaveTo(path string) (bool, error) {
	detectedBin, detectedType := DetectSchedulerBin()
	if detectedBin != "" {
		viper.Set("scheduler_bin", detectedBin)
		viper.Set("scheduler_type", detectedType)
	}

	if err := os.MkdirAll(filepath.Dir(path), utils.PermDir); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return detectedBin != "", nil
}

// LoadFromViper loads config from Viper into Global struct
func LoadFromViper() {
	if bin := viper.GetString("scheduler_bin"); bin != "" {
		Global.SchedulerBin = bin
	}
	if typ := viper.GetString("scheduler_type"); typ != "" {
		Global.SchedulerType = typ
	}
	if submitJob := viper.GetBool("submit_job"); !submitJob {
		Global.SubmitJob = false
	}
	Global.KeepScript = viper.GetBool("keep_script")
	if dir := viper.GetString("logs_dir"); dir != "" {
		Global.LogsDir = dir
	}
	if shell := viper.GetString("module_shell"); shell != "" {
		Global.ModuleShell = shell
	}

	Global.Defaults.Partition = viper.GetString("defaults.partition")
	Global.Defaults.MailUser = viper.GetString("defaults.mail_user")
	if mailType := viper.GetString("defaults.mail_type"); mailType != "" {
		Global.Defaults.MailType = mailType
	}
	if defaultTime := viper.GetString("defaults.time"); defaultTime != "" {
		// Same grammar as a job file's time field
		if dur, err := scheduler.ParseWalltime(defaultTime); err == nil {
			Global.Defaults.Time = dur
		} else {
			utils.PrintWarning("Ignoring invalid defaults.time %q: %v", defaultTime, err)
		}
	}
}
