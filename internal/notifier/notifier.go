// Package notifier implements C9: dispatching event notifications to
// operator-configured channels, gated by the benign-expiry suppression rule
// and per-category cooldowns (spec.md §4.9, §7).
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/store"
)

// benignExpiryMarkers is the exhaustive, literal set of server error strings
// that must never trigger a notification. Matched literally — including the
// upstream typo "EXOIRED" — never normalized (spec.md §9 Open Questions).
var benignExpiryMarkers = []string{
	"FAIL_SYS_TOKEN_EXOIRED::令牌过期",
	"FAIL_SYS_TOKEN_EXPIRED::令牌过期",
	"FAIL_SYS_SESSION_EXPIRED::Session过期",
	"令牌过期",
	"Session过期",
	"Token定时刷新失败，将自动重试",
}

// IsBenignExpiry reports whether errMessage matches the benign-expiry
// pattern set. Benign expiries are refreshed silently and never notified.
func IsBenignExpiry(errMessage string) bool {
	for _, marker := range benignExpiryMarkers {
		if strings.Contains(errMessage, marker) {
			return true
		}
	}
	return false
}

// Sender delivers a single message to a single channel. Channel transports
// (QQ, email, DingTalk, webhook, Telegram, WeChat) are external
// collaborators per spec.md §1 — Sender is the seam at which this core
// integrates with them.
type Sender interface {
	Send(ctx context.Context, channel store.NotificationChannel, message string) error
}

// Notifier fans a message out to every channel bound to an account for a
// category, honoring per-category cooldowns.
type Notifier struct {
	store   *store.Store
	senders map[string]Sender
	logger  zerolog.Logger

	tokenHealthCooldown time.Duration

	mu                sync.Mutex
	lastTokenNotifyAt map[string]time.Time // account_id -> last notify time
}

// New constructs a Notifier. senders maps channel type (e.g. "webhook",
// "email") to its transport implementation.
func New(st *store.Store, senders map[string]Sender, tokenHealthCooldown time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		store:               st,
		senders:             senders,
		logger:              logger,
		tokenHealthCooldown: tokenHealthCooldown,
		lastTokenNotifyAt:   make(map[string]time.Time),
	}
}

// NotifyInboundMessage fires on every inbound chat message, independent of
// whether a reply was produced (§4.6 last paragraph).
func (n *Notifier) NotifyInboundMessage(ctx context.Context, accountID, senderName, senderID, text string) {
	msg := fmt.Sprintf("[%s] message from %s (%s): %s", accountID, senderName, senderID, text)
	n.fanOut(ctx, accountID, "inbound_message", msg)
}

// NotifyDeliveryOutcome fires for delivery successes and failures (§4.7
// step 11); policy misses on the delivery path are notified, policy misses
// on the reply path are silent (§7).
func (n *Notifier) NotifyDeliveryOutcome(ctx context.Context, accountID string, ok bool, detail string) {
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	msg := fmt.Sprintf("[%s] delivery %s: %s", accountID, status, detail)
	n.fanOut(ctx, accountID, "delivery", msg)
}

// NotifyTokenHealth fires for persistent (non-benign) auth failures, rate
// limited to once per tokenHealthCooldown per account (§4.9, §7).
//
// P9: a session experiencing exclusively benign expiries produces no
// Token-health notifications — callers are expected to have already
// filtered with IsBenignExpiry before reaching here, but this function
// re-checks as a defense-in-depth boundary.
func (n *Notifier) NotifyTokenHealth(ctx context.Context, accountID, errMessage string) {
	if IsBenignExpiry(errMessage) {
		return
	}

	n.mu.Lock()
	last, seen := n.lastTokenNotifyAt[accountID]
	now := time.Now()
	if seen && now.Sub(last) < n.tokenHealthCooldown {
		n.mu.Unlock()
		return
	}
	n.lastTokenNotifyAt[accountID] = now
	n.mu.Unlock()

	msg := fmt.Sprintf("[%s] token health: %s", accountID, errMessage)
	n.fanOut(ctx, accountID, "token_health", msg)
}

func (n *Notifier) fanOut(ctx context.Context, accountID, category, message string) {
	channels, err := n.store.ListChannelsForAccount(accountID, category)
	if err != nil {
		n.logger.Error().Err(err).Str("account_id", accountID).Msg("failed to list notification channels")
		return
	}
	for _, ch := range channels {
		sender, ok := n.senders[ch.Type]
		if !ok {
			n.logger.Warn().Str("channel_type", ch.Type).Msg("no sender registered for channel type")
			continue
		}
		if err := sender.Send(ctx, ch, message); err != nil {
			n.logger.Warn().Err(err).Str("channel", ch.Name).Msg("notification send failed")
		}
	}
}
