package config

import (
	"os"
	"strings"

	"github.com/agentuity/go-kvstore/logger"
	"github.com/spf13/cobra"
)

// EnvLine is a single KEY=value pair from an env file.
type EnvLine struct {
	Key string
	Val string
}

// ParseEnvFile parses an environment file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return []EnvLine{}, nil
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseEnvBuffer(buf), nil
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and # comments.
// ${NAME} references resolve against earlier lines, then the process
// environment.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var envs []EnvLine
	seen := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = os.Expand(dequote(strings.TrimSpace(val)), func(name string) string {
			if v, ok := seen[name]; ok {
				return v
			}
			return os.Getenv(name)
		})
		seen[key] = val
		envs = append(envs, EnvLine{Key: key, Val: val})
	}
	return envs
}

// EnvFileLookup returns a LookupFunc that consults lines first and falls back
// to the process environment.
func EnvFileLookup(lines []EnvLine) LookupFunc {
	m := make(map[string]string, len(lines))
	for _, l := range lines {
		m[l.Key] = l.Val
	}
	return func(key string) (string, bool) {
		if v, ok := m[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// NewLogger builds the logger described by cfg, letting the --log-level
// flag win over the configured level. Output goes to the command's stderr so
// it never mixes with command output.
func NewLogger(cmd *cobra.Command, cfg Log) logger.Logger {
	level := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, cfg.Level), logger.LevelInfo)
	if strings.EqualFold(cfg.Format, "json") {
		return logger.NewJSONLogger(cmd.ErrOrStderr(), level)
	}
	return logger.NewConsoleLogger(cmd.ErrOrStderr(), level)
}
