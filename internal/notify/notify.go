// Package notify raises desktop notifications so the human controller
// knows an agent is waiting for a reply.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Send raises a notification with the platform tool: osascript on macOS,
// notify-send elsewhere.
func Send(title, message string) error {
	if runtime.GOOS == "darwin" {
		return sendMacOS(title, message)
	}
	return sendNotifySend(title, message)
}

// sendMacOS sends a macOS notification via osascript with sound.
func sendMacOS(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendNotifySend(title, message string) error {
	cmd := exec.Command("notify-send", "--app-name=agentflow", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Notifier turns messages queued by agents into notifications, at most one
// per agent every minInterval. Controller messages are ignored.
type Notifier struct {
	send        SendFunc
	logger      *logging.Logger
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewNotifier(send SendFunc, minInterval time.Duration, logger *logging.Logger) *Notifier {
	if send == nil {
		send = Send
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{
		send:        send,
		logger:      logger,
		minInterval: minInterval,
		now:         time.Now,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Attach notifies on every message queued on bus until the returned func is called.
func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventMessageQueued, n.handle)
}

func (n *Notifier) handle(e events.Event) {
	agent := e.String(events.KeyAgentID)
	if agent == model.ControllerAgentID || !n.allow(agent) {
		return
	}
	title := "agentflow"
	msg := fmt.Sprintf("New message from %s in %s", agent, e.String(events.KeyConversationID))
	if err := n.send(title, msg); err != nil {
		n.logger.Warnf("notify: %v", err)
	}
}

func (n *Notifier) allow(agent string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[agent]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.minInterval), 1)
		n.limiters[agent] = l
	}
	return l.AllowN(n.now(), 1)
}
