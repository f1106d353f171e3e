// Package notify delivers task failure notifications.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/nomis52/goingest/scheduler"
)

// DefaultTimeout bounds one SMTP conversation when SMTPConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// SMTPConfig configures an EmailNotifier.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails failure notifications to the task's contact address.
type EmailNotifier struct {
	cfg    SMTPConfig
	send   sendFunc
	logger *slog.Logger
}

// NewEmailNotifier creates a notifier sending through cfg.
func NewEmailNotifier(cfg SMTPConfig, logger *slog.Logger) *EmailNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	n := &EmailNotifier{cfg: cfg, logger: logger.With("component", "notify")}
	n.send = n.sendMail
	return n
}

var bodyTemplate = template.Must(template.New("body").Parse(`Task {{.TaskID}} of DAG {{.DAGID}} failed.

Run:          {{.RunID}}
Logical time: {{.LogicalTime.Format "2006-01-02T15:04:05Z07:00"}}
Attempts:     {{.Attempts}}

Last error:
{{.Err}}
`))

// Notify sends one email. The conversation with the server ends when ctx is
// done or the configured timeout passes, whichever is first.
func (n *EmailNotifier) Notify(ctx context.Context, msg scheduler.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := render(n.cfg.From, msg)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := n.send(ctx, n.cfg.Addr(), auth, n.cfg.From, []string{msg.Contact}, body); err != nil {
		return fmt.Errorf("sending notification to %s: %w", msg.Contact, err)
	}
	n.logger.Info("notification email sent", "to", msg.Contact, "dag_id", msg.DAGID, "task_id", msg.TaskID)
	return nil
}

// sendMail does what smtp.SendMail does over a connection bounded by ctx and the timeout.
func (n *EmailNotifier) sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	d := net.Dialer{Timeout: n.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(n.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func render(from string, msg scheduler.Notification) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.Contact)
	fmt.Fprintf(&buf, "Subject: [goingest] %s.%s failed (%s)\r\n", msg.DAGID, msg.TaskID, msg.RunID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, msg); err != nil {
		return nil, fmt.Errorf("rendering notification: %w", err)
	}
	buf.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return buf.Bytes(), nil
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs msg at error level.
func (n *LogNotifier) Notify(ctx context.Context, msg scheduler.Notification) error {
	n.logger.Error("task failure notification",
		"contact", msg.Contact,
		"dag_id", msg.DAGID,
		"run_id", msg.RunID,
		"task_id", msg.TaskID,
		"attempts", msg.Attempts,
		"error", msg.Err,
	)
	return nil
}
