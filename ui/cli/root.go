// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	clog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/config"
	"github.com/toeirei/poolgate/internal/db"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/logging"
)

var version = "dev"   // set by the linker
var gitCommit = "dev" // short commit SHA, set at build time
var buildDate = ""    // RFC3339, set at build time

// app holds the state shared by the subcommands of one root command.
type app struct {
	cfgFile string
	verbose bool
	force   bool

	cfg     *config.Config
	cfgPath string
	logger  *clog.Logger
}

// NewRootCmd builds a fresh command tree. Tests call it once per case.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "poolgate",
		Short: "Poolgate multiplexes a pool of downstream accounts behind API keys.",
		Long: `Poolgate keeps a pool of downstream accounts logged in, picks one per
request with a load balancing strategy and guards access with API keys
that carry endpoint rules and pool restrictions.

Run 'poolgate serve' to start the gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	cmd.Version = compositeVersion(resolveBuildVersion(nil))

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./poolgate.yaml or the user config dir)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(a),
		newKeysCmd(a),
		newAccountsCmd(a),
		newAuditCmd(a),
		newDashboardCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI. main handles the exit code.
func Execute() error {
	return NewRootCmd().Execute()
}

// setup loads the config and configures logging before any subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	if a.cfgFile != "" {
		if _, err := os.Stat(a.cfgFile); err != nil {
			return fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
		}
	}
	cfg, used, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg, a.cfgPath = cfg, used

	opts := logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON}
	if a.verbose {
		opts.Level = "debug"
		db.SetDebug(true)
	}
	a.logger = logging.New(cmd.ErrOrStderr(), opts)
	logging.SetDefault(a.logger)
	return nil
}

// store returns a config store bound to the loaded file.
func (a *app) store() *config.Store {
	return config.NewStore(a.cfgPath, a.cfg)
}

// keyManager loads the configured keys with the file as persister.
func (a *app) keyManager(st *config.Store) (*keys.Manager, error) {
	return keys.NewManager(a.cfg.ToModelKeys(), st)
}

// auditStore opens the configured audit database. The result may be nil.
func (a *app) auditStore() (*db.Store, error) {
	return db.New(a.cfg.Database.Type, a.cfg.Database.Dsn)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			v, c, d := resolveBuildVersion(nil)
			printVersion(cmd.OutOrStdout(), v, c, d)
		},
	}
}

func printVersion(w io.Writer, v, c, d string) {
	fmt.Fprintf(w, "version: %s\n", v)
	fmt.Fprintf(w, "commit: %s\n", c)
	if d != "" {
		fmt.Fprintf(w, "built: %s\n", d)
	}
}

func compositeVersion(v, c, d string) string {
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date. If info is nil, it reads build info from the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	versionOut, commitOut, dateOut = version, gitCommit, buildDate
	if info == nil {
		var ok bool
		if info, ok = debug.ReadBuildInfo(); !ok {
			return
		}
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		versionOut = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" && commitOut == "dev" {
				commitOut = s.Value
				if len(commitOut) > 7 {
					commitOut = commitOut[:7]
				}
			}
		case "vcs.time":
			if s.Value != "" && dateOut == "" {
				dateOut = s.Value
			}
		}
	}
	return
}
