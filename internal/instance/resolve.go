package instance

import "github.com/matheus3301/relay/internal/config"

const DefaultName = "main"

// Resolve determines the active instance name using precedence:
// 1. flagOverride (--instance flag)
// 2. cfg.DefaultInstance (config file, then RELAY_DEFAULT_INSTANCE)
// 3. "main"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultInstance != "" {
		return cfg.DefaultInstance
	}
	return DefaultName
}

// ConfigFile returns flagPath, or the global config path when it is empty.
func ConfigFile(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return ConfigPath()
}
