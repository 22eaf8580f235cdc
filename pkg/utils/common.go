package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kairos-io/kairos-sdk/types/logger"
	"github.com/kairos-io/kairos-sdk/types/runner"
)

// RunPrivileged runs a command that needs root, prefixing it with sudo when asked to
func RunPrivileged(r runner.Runner, sudo bool, cmd string, args ...string) ([]byte, error) {
	if sudo {
		return r.Run("sudo", append([]string{cmd}, args...)...)
	}
	return r.Run(cmd, args...)
}

// RunInDir runs the command with dir as working directory. Tools like apt-get download only
// write to the current directory.
func RunInDir(r runner.Runner, dir string, cmd string, args ...string) ([]byte, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, cmd)
	for _, a := range args {
		quoted = append(quoted, ShellQuote(a))
	}
	return r.Run("/bin/sh", "-c", fmt.Sprintf("cd %s && %s", ShellQuote(dir), strings.Join(quoted, " ")))
}

// ShellQuote wraps s in single quotes so it reaches the command as a single argument
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LogOutput dumps a failed command output at debug level
func LogOutput(l logger.KairosLogger, cmd string, out []byte) {
	if len(out) == 0 {
		return
	}
	l.Logger.Debug().Str("cmd", cmd).Str("output", strings.TrimSpace(string(out))).Msg("Command output")
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment.
// Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return godotenv.Load(path)
}

// IsTruthy parses the boolean spellings accepted in environment variables
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
