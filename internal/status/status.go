// Package status renders the controller view of a workspace: daemon
// liveness, waiting agents and queued messages.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/msageha/agentflow/internal/flow"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/uds"
)

const previewRunes = 50

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// Report is what `agentflow status` prints. Source is "daemon" when the
// snapshot came over the socket and "store" when it was read directly.
type Report struct {
	Daemon   DaemonStatus  `json:"daemon"`
	Source   string        `json:"source"`
	Snapshot flow.Snapshot `json:"snapshot"`
}

// Collect pings the daemon of dir and takes a snapshot through it, falling
// back to reading the store with engine when the daemon is down.
func Collect(dir string, engine *flow.Engine) (Report, error) {
	var r Report
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)

	r.Daemon = checkDaemon(client)
	if r.Daemon.Running {
		if err := client.Call(uds.CmdSnapshot, nil, &r.Snapshot); err == nil {
			r.Source = "daemon"
			return r, nil
		}
	}

	snap, err := engine.GetControllerData()
	if err != nil {
		return Report{}, fmt.Errorf("read snapshot: %w", err)
	}
	r.Source = "store"
	r.Snapshot = snap
	return r, nil
}

// Run collects and prints the report as text or indented JSON.
func Run(dir string, engine *flow.Engine, w io.Writer, jsonOutput bool) error {
	r, err := Collect(dir, engine)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Render(w, r)
	return nil
}

func checkDaemon(client *uds.Client) DaemonStatus {
	var out struct {
		Pid int `json:"pid"`
	}
	if err := client.Call(uds.CmdPing, nil, &out); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, Pid: out.Pid}
}

// Render writes the human-readable report.
func Render(w io.Writer, r Report) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Fprintln(w, "=== agentflow status ===")
	fmt.Fprint(w, "Daemon:           ")
	if r.Daemon.Running {
		green.Fprintf(w, "running (pid %d)\n", r.Daemon.Pid)
	} else {
		red.Fprintln(w, "stopped")
	}

	snap := r.Snapshot
	fmt.Fprintf(w, "Conversations:    %d\n", len(snap.Conversations))
	fmt.Fprintf(w, "Waiting Agents:   %d\n", countWaiting(snap.WaitingSessions))
	fmt.Fprintf(w, "Pending Messages: %d\n", len(snap.PendingMessages))
	fmt.Fprintf(w, "Last Update:      %s\n", snap.Timestamp)

	if len(snap.WaitingSessions) > 0 {
		fmt.Fprintln(w)
		cyan.Fprintln(w, "Sessions:")
		for _, id := range sortedSessionIDs(snap.WaitingSessions) {
			s := snap.WaitingSessions[id]
			fmt.Fprintf(w, "  %s: %s (%s) conv=%s - ", id, s.AgentTool, s.AgentID, s.ConversationID)
			if s.Status == model.SessionWaiting {
				yellow.Fprintln(w, s.Status)
			} else {
				green.Fprintln(w, s.Status)
			}
		}
	}

	if len(snap.PendingMessages) > 0 {
		fmt.Fprintln(w)
		cyan.Fprintln(w, "Message Queue:")
		for _, m := range snap.PendingMessages {
			if m.DeliveredAll {
				green.Fprint(w, "  ✓ ")
			} else {
				yellow.Fprint(w, "  … ")
			}
			fmt.Fprintf(w, "%s from %s to %v: %s\n", m.ID, m.FromAgent, m.Targets, preview(m.Message))
		}
	}
}

func countWaiting(sessions map[string]model.WaitingSession) int {
	n := 0
	for _, s := range sessions {
		if s.Status == model.SessionWaiting {
			n++
		}
	}
	return n
}

func sortedSessionIDs(sessions map[string]model.WaitingSession) []string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, _ := model.ParseTime(sessions[ids[i]].Timestamp)
		tj, _ := model.ParseTime(sessions[ids[j]].Timestamp)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}
