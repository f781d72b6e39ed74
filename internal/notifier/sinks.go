package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "qcron/pkg/logx"
)

// BuildSinks returns the sinks enabled by cfg. The log sink is always
// present so every notification leaves a trace.
func BuildSinks(cfg Config, log logx.Logger) ([]Sink, error) {
	sinks := []Sink{NewLogSink(log)}
	if strings.TrimSpace(cfg.SMTP.Addr) != "" {
		sk, err := NewSMTPSink(cfg.SMTP, cfg.From)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sk)
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		sk, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sk)
	}
	return sinks, nil
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("comp", "notify"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.String("kind", string(m.Kind)),
		logx.Int64("job_id", m.JobID),
		logx.Int64("run", m.RunID),
		logx.Strings("to", m.To),
	}
	if m.Kind == KindFailure {
		s.log.Warn(m.Subject, fields...)
	} else {
		s.log.Info(m.Subject, fields...)
	}
	return nil
}

// SMTPSink mails notifications to the message recipients.
type SMTPSink struct {
	cfg  SMTPConfig
	from string
	host string
}

func NewSMTPSink(cfg SMTPConfig, from string) (*SMTPSink, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("notifier.smtp.addr: %w", err)
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("notifier.from is required for smtp")
	}
	return &SMTPSink{cfg: cfg, from: from, host: host}, nil
}

func (s *SMTPSink) Name() string { return "smtp" }

func (s *SMTPSink) Send(ctx context.Context, m Message) error {
	if len(m.To) == 0 {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return err
	}
	for _, rcpt := range m.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(mailBody(s.from, m, time.Now())); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func mailBody(from string, m Message, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	to := make([]string, 0, len(m.To))
	for _, a := range m.To {
		if !strings.ContainsAny(a, "\r\n") {
			to = append(to, a)
		}
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// TelegramSink posts notifications to one chat.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier.telegram.chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// No getMe round trip at startup; the bot only sends.
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send ignores m.To; the chat is fixed by configuration.
func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	text := m.Subject + "\n\n" + m.Body
	// Telegram caps messages at 4096 characters.
	if r := []rune(text); len(r) > 4000 {
		text = string(r[:4000]) + "\n..."
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
