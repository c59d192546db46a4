package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/agentflow/internal/daemon"
	"github.com/msageha/agentflow/internal/setup"
	"github.com/msageha/agentflow/internal/status"
	"github.com/msageha/agentflow/internal/uds"
)

func newSetupCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "setup <project_dir>",
		Short:   "Initialize the .agentflow/ workspace in a project",
		Args:    cobra.ExactArgs(1),
		Example: `agentflow setup . --name myproject`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup.Run(args[0], name); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			absDir, _ := filepath.Abs(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ in %s\n", setup.WorkspaceDirName, absDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory basename)")
	return cmd
}

func newDaemonCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the maintenance daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dir, err := ws()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Run(); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}
}

func newStopCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := ws()
			if err != nil {
				return err
			}
			client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
			if err := client.Call(uds.CmdShutdown, nil, nil); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
			return nil
		},
	}
}

func newStatusCommand(ws func() (string, error)) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon liveness, conversations and pending messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openWorkspace(ws, cmd.ErrOrStderr(), "status")
			if err != nil {
				return err
			}
			defer w.Close()
			if err := status.Run(w.dir, w.engine, cmd.OutOrStdout(), jsonOutput); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
