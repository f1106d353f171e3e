package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nomis52/goingest/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failure = scheduler.Notification{
	DAGID:       "data_ingestion",
	RunID:       "scheduled__2021-01-01T00:00:00Z",
	TaskID:      "fetch",
	Contact:     "ops@example.com",
	LogicalTime: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	Attempts:    3,
	Err:         "fetch https://example.com/a.csv: unexpected status 503",
}

func TestEmailNotifier_Notify(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth

	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "bot", Password: "secret", From: "goingest@example.com"}, slog.Default())
	n.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	require.NoError(t, n.Notify(context.Background(), failure))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "goingest@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: [goingest] data_ingestion.fetch failed (scheduled__2021-01-01T00:00:00Z)\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Logical time: 2021-01-01T00:00:00Z\r\n")
	assert.Contains(t, msg, "Attempts:     3\r\n")
	assert.Contains(t, msg, "unexpected status 503")
	assert.NotContains(t, strings.ReplaceAll(msg, "\r\n", ""), "\n", "all line endings are CRLF")
}

func TestEmailNotifier_NoAuthWithoutUsername(t *testing.T) {
	var gotAuth smtp.Auth = smtp.PlainAuth("", "x", "y", "z")
	n := NewEmailNotifier(SMTPConfig{Host: "localhost", Port: 25, From: "a@b"}, slog.Default())
	n.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAuth = a
		return nil
	}

	require.NoError(t, n.Notify(context.Background(), failure))
	assert.Nil(t, gotAuth)
}

func TestEmailNotifier_SendError(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "localhost", Port: 25}, slog.Default())
	n.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := n.Notify(context.Background(), failure)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops@example.com")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEmailNotifier_CancelledContext(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "localhost", Port: 25}, slog.Default())
	n.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("must not send")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, failure), context.Canceled)
}

// smtpServer accepts one connection. A talking server plays a minimal SMTP
// dialogue and reports the message body; a silent one never answers.
func smtpServer(t *testing.T, talk bool) (SMTPConfig, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hold := make(chan struct{})
	t.Cleanup(func() {
		close(hold)
		ln.Close()
	})

	bodies := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if !talk {
			<-hold
			return
		}

		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(strings.ToUpper(line), " ")
			switch verb {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				bodies <- string(body)
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 unsupported")
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return SMTPConfig{Host: host, Port: p, From: "goingest@example.com"}, bodies
}

func TestEmailNotifier_DeliversOverSMTP(t *testing.T) {
	cfg, bodies := smtpServer(t, true)
	n := NewEmailNotifier(cfg, slog.Default())

	require.NoError(t, n.Notify(context.Background(), failure))

	select {
	case body := <-bodies:
		assert.Contains(t, body, "Subject: [goingest] data_ingestion.fetch failed")
		assert.Contains(t, body, "unexpected status 503")
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestEmailNotifier_SilentServerTimesOut(t *testing.T) {
	cfg, _ := smtpServer(t, false)
	cfg.Timeout = 100 * time.Millisecond
	n := NewEmailNotifier(cfg, slog.Default())

	start := time.Now()
	err := n.Notify(context.Background(), failure)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEmailNotifier_ContextEndsConversation(t *testing.T) {
	cfg, _ := smtpServer(t, false)
	cfg.Timeout = time.Minute
	n := NewEmailNotifier(cfg, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.Error(t, n.Notify(ctx, failure))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewEmailNotifier_DefaultTimeout(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "localhost", Port: 25}, slog.Default())
	assert.Equal(t, DefaultTimeout, n.cfg.Timeout)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), failure))
	assert.Contains(t, buf.String(), `"task_id":"fetch"`)
	assert.Contains(t, buf.String(), `"contact":"ops@example.com"`)
}
