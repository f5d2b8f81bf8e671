package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"

	"github.com/adred-codev/resale-agent/internal/store"
)

// ParseChannelConfig parses the small "key=value;key2=value2" DSL stored in
// NotificationChannel.Config (supplemented feature, SPEC_FULL §6 — grounded
// on the original's `_parse_notification_config`).
func ParseChannelConfig(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// WebhookSender POSTs the message as a JSON body to a configured URL. It
// serves the generic webhook channel type; DingTalk and Telegram have their
// own senders below, each with its own body shape.
type WebhookSender struct {
	http *resty.Client
}

// NewWebhookSender builds a sender over a shared resty client.
func NewWebhookSender(http *resty.Client) *WebhookSender {
	return &WebhookSender{http: http}
}

func (w *WebhookSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	cfg := ParseChannelConfig(channel.Config)
	url := cfg["url"]
	if url == "" {
		return fmt.Errorf("webhook channel %q missing url", channel.Name)
	}

	body := buildWebhookBody(cfg["template"], message)

	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode())
	}
	return nil
}

// buildWebhookBody substitutes {MESSAGE} into an operator-provided template,
// or falls back to a minimal default envelope.
func buildWebhookBody(template, message string) map[string]any {
	if template == "" {
		return map[string]any{"text": message}
	}
	return map[string]any{"text": strings.ReplaceAll(template, "{MESSAGE}", message)}
}

// DingTalkSender posts to a DingTalk robot webhook using its expected body shape.
type DingTalkSender struct {
	http *resty.Client
}

func NewDingTalkSender(http *resty.Client) *DingTalkSender { return &DingTalkSender{http: http} }

func (d *DingTalkSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	cfg := ParseChannelConfig(channel.Config)
	url := cfg["webhook_url"]
	if url == "" {
		return fmt.Errorf("dingtalk channel %q missing webhook_url", channel.Name)
	}
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": message},
		}).
		Post(url)
	if err != nil {
		return fmt.Errorf("dingtalk post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dingtalk post: status %d", resp.StatusCode())
	}
	return nil
}

// TelegramSender posts to the Telegram Bot API sendMessage endpoint.
type TelegramSender struct {
	http *resty.Client
}

func NewTelegramSender(http *resty.Client) *TelegramSender { return &TelegramSender{http: http} }

func (t *TelegramSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	cfg := ParseChannelConfig(channel.Config)
	botToken, chatID := cfg["bot_token"], cfg["chat_id"]
	if botToken == "" || chatID == "" {
		return fmt.Errorf("telegram channel %q missing bot_token or chat_id", channel.Name)
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", botToken)
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"chat_id": chatID, "text": message}).
		Post(url)
	if err != nil {
		return fmt.Errorf("telegram post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram post: status %d", resp.StatusCode())
	}
	return nil
}

// EmailSender sends over SMTP. The standard library's net/smtp is used
// directly — no third-party library in the pack wraps SMTP, and the
// protocol surface needed here (PLAIN auth, one message, no pooling) does
// not justify pulling one in (see DESIGN.md).
type EmailSender struct {
	timeout time.Duration
}

func NewEmailSender(timeout time.Duration) *EmailSender { return &EmailSender{timeout: timeout} }

func (e *EmailSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	cfg := ParseChannelConfig(channel.Config)
	host, port := cfg["smtp_host"], cfg["smtp_port"]
	from, to, user, pass := cfg["from"], cfg["to"], cfg["username"], cfg["password"]
	if host == "" || port == "" || from == "" || to == "" {
		return fmt.Errorf("email channel %q missing smtp_host/smtp_port/from/to", channel.Name)
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	auth := smtp.PlainAuth("", user, pass, host)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: resale-agent notification\r\n\r\n%s\r\n", from, to, message)

	errCh := make(chan error, 1)
	go func() { errCh <- smtp.SendMail(addr, auth, from, []string{to}, []byte(body)) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NatsSender republishes the event envelope to an operator-configured NATS
// subject, for deployments that already pipe events into a NATS bus instead
// of (or in addition to) a webhook (SPEC_FULL §3).
type NatsSender struct {
	conn *nats.Conn
}

func NewNatsSender(conn *nats.Conn) *NatsSender { return &NatsSender{conn: conn} }

func (n *NatsSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	cfg := ParseChannelConfig(channel.Config)
	subject := cfg["subject"]
	if subject == "" {
		return fmt.Errorf("nats channel %q missing subject", channel.Name)
	}
	return n.conn.Publish(subject, []byte(message))
}

// UnimplementedSender covers channel types with no public Go transport in
// the pack (QQ, WeChat) — spec.md §1 treats these as external collaborators
// reachable only through Notifier.send; this type makes that boundary
// explicit instead of silently dropping the message.
type UnimplementedSender struct {
	ChannelType string
}

func (u UnimplementedSender) Send(ctx context.Context, channel store.NotificationChannel, message string) error {
	return fmt.Errorf("notifier: %s transport not implemented by this core, expected to be handled externally", u.ChannelType)
}
