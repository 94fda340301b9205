package config

import "strings"

// envKeyReplacer maps nested keys to env names: defaults.mail_user -> JOBWRAP_DEFAULTS_MAIL_USER.
var envKeyReplacer = strings.NewReplacer(".", "_")

// EnvVarName returns the environment variable that overrides key.
func EnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(envKeyReplacer.Replace(key))
}
