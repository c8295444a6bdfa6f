package cli

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kilometers.ai/authlayer/internal/config"
	"kilometers.ai/authlayer/internal/interfaces/di"
	"kilometers.ai/authlayer/internal/logging"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// app carries state shared by every command of one invocation
type app struct {
	v         *viper.Viper
	cfg       *config.Config
	logger    hclog.Logger
	container *di.Container
}

// NewRootCommand creates the authlayer command tree
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "authlayer",
		Short: "Authenticated HTTP access with coordinated token refresh",
		Long: `authlayer sends authenticated requests to an API on behalf of a logged in user.

Expired access tokens are refreshed transparently: any number of requests
rejected at the same time share one refresh call and are retried once with
the new token. When the refresh itself fails the stored credentials are
cleared and the session ends.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	config.SetupFlags(rootCmd, a.v)

	rootCmd.AddCommand(newLoginCommand(a))
	rootCmd.AddCommand(newLogoutCommand(a))
	rootCmd.AddCommand(newStatusCommand(a))
	rootCmd.AddCommand(newRequestCommand(a))
	rootCmd.AddCommand(newProbeCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))

	return rootCmd
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogJSON,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// build wires the container on first use. Commands that talk to the API
// pass needsAPI so a missing base URL fails early.
func (a *app) build(needsAPI bool) (*di.Container, error) {
	if needsAPI {
		if err := a.cfg.RequireBaseURL(); err != nil {
			return nil, err
		}
	}
	if a.container != nil {
		return a.container, nil
	}

	di.UserAgent = "authlayer/" + Version
	container, err := di.NewContainer(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.container = container
	return container, nil
}

func (a *app) close() error {
	if a.container == nil {
		return nil
	}
	err := a.container.Close()
	a.container = nil
	return err
}

// Execute runs the root command with ctx
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
