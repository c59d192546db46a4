package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/agentflow/internal/flow"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/setup"
	"github.com/msageha/agentflow/internal/store"
)

var (
	version   = "dev"
	gitCommit string
)

// workspaceEnv points commands at a workspace without walking up from cwd.
const workspaceEnv = "AGENTFLOW_DIR"

var errNoWorkspace = errors.New(".agentflow/ directory not found. Run 'agentflow setup <dir>' first")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newRootCommand() *cobra.Command {
	var workspaceFlag string

	cmd := &cobra.Command{
		Use:           "agentflow",
		Short:         "Conversation flow between coding agents",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "path to the .agentflow directory (default: search upward from cwd)")

	ws := func() (string, error) { return findWorkspaceDir(workspaceFlag) }

	cmd.AddCommand(
		newSetupCommand(),
		newDaemonCommand(ws),
		newStopCommand(ws),
		newStatusCommand(ws),
		newMCPCommand(ws),
		newControllerCommand(ws),
		newVerifyCommand(ws),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentflow %s\n", formatVersion())
			fmt.Fprintf(cmd.OutOrStdout(), "  Go: %s\n", runtime.Version())
		},
	}
}

// findWorkspaceDir resolves the workspace from an explicit path, then
// $AGENTFLOW_DIR, then the nearest .agentflow directory above cwd.
func findWorkspaceDir(explicit string) (string, error) {
	for _, dir := range []string{explicit, os.Getenv(workspaceEnv)} {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("workspace %s: %w", dir, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workspace %s is not a directory", dir)
		}
		return filepath.Abs(dir)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, setup.WorkspaceDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNoWorkspace
		}
		dir = parent
	}
}

// loadConfig reads config.yaml, applies AGENTFLOW_* environment overrides and
// fills anything still unset from the defaults.
func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// openEngine builds an engine over the workspace store. The caller closes the
// returned store when done.
func openEngine(dir string, cfg model.Config, logger *logging.Logger) (*flow.Engine, *store.Store) {
	st := store.New(dir,
		store.WithLogger(logger.With("store")),
		store.WithMaxFileBytes(cfg.Limits.MaxYAMLFileBytes),
	)
	engine := flow.New(st,
		flow.WithLogger(logger.With("flow")),
		flow.WithPollInterval(time.Duration(cfg.Flow.PollIntervalMs)*time.Millisecond),
		flow.WithFileWatch(cfg.Flow.WatchFiles),
		flow.WithMaxMessageBytes(cfg.Limits.MaxMessageBytes),
	)
	return engine, st
}

// workspace is what commands working on the store directly share.
type workspace struct {
	dir    string
	cfg    model.Config
	logger *logging.Logger
	engine *flow.Engine
	store  *store.Store
}

func (w *workspace) Close() error { return w.store.Close() }

// openWorkspace resolves, configures and opens the workspace. Logs go to
// errOut so stdout stays clean for results.
func openWorkspace(ws func() (string, error), errOut io.Writer, component string) (*workspace, error) {
	dir, err := ws()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	logger := logging.New(errOut, logging.ParseLevel(cfg.Logging.Level), component)
	engine, st := openEngine(dir, cfg, logger)
	return &workspace{dir: dir, cfg: cfg, logger: logger, engine: engine, store: st}, nil
}
