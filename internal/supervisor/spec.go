package supervisor

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/loykin/evolset/internal/logger"
)

// Spec describes one external task.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"` // executable path or name on PATH
	Args    []string `json:"args" mapstructure:"args"`
	WorkDir string   `json:"work_dir" mapstructure:"workdir"`
	Env     []string `json:"env" mapstructure:"env"` // appended to the supervisor's environment
	// TolerateFailure makes Await return a non-zero exit as a normal result.
	TolerateFailure bool          `json:"tolerate_failure" mapstructure:"tolerate_failure"`
	Log             logger.Config `json:"-" mapstructure:"log"` // optional rotated copies of stdout/stderr
}

// Validate fills the default name and checks required fields.
func (s *Spec) Validate() error {
	s.Command = strings.TrimSpace(s.Command)
	if s.Command == "" {
		return errors.New("command is required")
	}
	if s.Name == "" {
		s.Name = filepath.Base(s.Command)
	}
	return nil
}

// CommandLine renders the command and its arguments for logs and history.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}
