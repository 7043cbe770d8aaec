// Package notify tells the user about task state changes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/pkg/model"
)

// Event is one notification: a task reached a state the user asked about.
type Event struct {
	ID    int64
	Name  string
	State model.State
	Error string
}

// NewEvent describes the current state of t.
func NewEvent(t *model.Task) Event {
	return Event{ID: t.ID, Name: t.DName(), State: t.State, Error: t.Error}
}

// Notifier delivers a batch of events.
type Notifier interface {
	Notify(ctx context.Context, events []Event) error
}

// New returns an SMTP notifier when cfg names a recipient and a mail
// host, and a LogNotifier otherwise.
func New(cfg config.Notifications, logger *slog.Logger) Notifier {
	if cfg.To == "" || cfg.Host == "" {
		return NewLogNotifier(logger)
	}
	return NewSMTPNotifier(cfg, logger)
}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, events []Event) error {
	for _, e := range events {
		n.logger.Info("task notification", "task_id", e.ID, "name", e.Name, "state", e.State)
	}
	return nil
}

// SMTPNotifier sends one mail per batch.
type SMTPNotifier struct {
	cfg    config.Notifications
	logger *slog.Logger
	// send is smtp.SendMail; replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg config.Notifications, logger *slog.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		send:   smtp.SendMail,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port := n.cfg.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	from := n.cfg.From
	if from == "" {
		from = n.cfg.To
	}
	to := strings.Split(n.cfg.To, ",")
	for i := range to {
		to[i] = strings.TrimSpace(to[i])
	}
	if err := n.send(addr, auth, from, to, Message(from, to, events)); err != nil {
		return fmt.Errorf("send notification to %s: %w", n.cfg.To, err)
	}
	n.logger.Info("notification sent", "to", n.cfg.To, "events", len(events))
	return nil
}

// Message renders the mail for events. The subject counts events per state.
func Message(from string, to []string, events []Event) []byte {
	counts := map[model.State]int{}
	for _, e := range events {
		counts[e.State]++
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = fmt.Sprintf("%s: %d", s, counts[model.State(s)])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: MyQueue: %s\r\n", strings.Join(parts, ", "))
	b.WriteString("\r\n")
	for _, e := range events {
		fmt.Fprintf(&b, "%d %s: %s", e.ID, e.Name, e.State)
		if e.Error != "" && e.State.IsBad() {
			fmt.Fprintf(&b, " (%s)", e.Error)
		}
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
