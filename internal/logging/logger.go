package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Name is the root logger name
const Name = "authlayer"

// Options configures the root logger
type Options struct {
	// Level is one of trace, debug, info, warn, error or off.
	// Empty means warn.
	Level string
	JSON  bool

	// Output defaults to stderr
	Output io.Writer
}

// New creates the root logger. Components derive their own with Named.
func New(opts Options) (hclog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	if level == hclog.Off {
		output = io.Discard
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       Name,
		Level:      level,
		Output:     output,
		JSONFormat: opts.JSON,
	}), nil
}

// ParseLevel maps a level name to an hclog level
func ParseLevel(s string) (hclog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return hclog.Warn, nil
	}

	level := hclog.LevelFromString(s)
	if level == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
