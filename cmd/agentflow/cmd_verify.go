package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/model"
)

var errVerifyFailed = errors.New("workspace verification failed")

func newVerifyCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check collection headers and audit log checksums without repairing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				out := cmd.OutOrStdout()
				failed := false

				results := w.store.Check()
				for _, c := range model.AllCollections {
					if err := results[c]; err != nil {
						failed = true
						fmt.Fprintf(out, "%-18s FAIL %v\n", c, err)
						continue
					}
					fmt.Fprintf(out, "%-18s ok\n", c)
				}

				auditPath := filepath.Join(w.dir, "logs", "audit.jsonl")
				if _, err := os.Stat(auditPath); os.IsNotExist(err) {
					fmt.Fprintf(out, "%-18s none\n", "audit")
				} else {
					total, valid, err := events.VerifyLogIntegrity(auditPath)
					switch {
					case err != nil:
						failed = true
						fmt.Fprintf(out, "%-18s FAIL %v\n", "audit", err)
					case valid != total:
						failed = true
						fmt.Fprintf(out, "%-18s FAIL %d/%d entries valid\n", "audit", valid, total)
					default:
						fmt.Fprintf(out, "%-18s ok (%d entries)\n", "audit", total)
					}
				}

				if failed {
					return errVerifyFailed
				}
				return nil
			})
		},
	}
}
