package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCookie("a1", "sid=abc", "owner-1"); err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestAPIClient(t *testing.T, s *store.Store) *apiclient.Client {
	t.Helper()
	return apiclient.New(apiclient.Config{
		BaseURL: "http://unused.invalid", CallTimeout: time.Second, MaxRetries: 1, RetryWait: time.Millisecond, RefreshInterval: time.Hour,
	}, "a1", s, func(ctx context.Context) (string, error) { return "tok", nil }, nil, zerolog.Nop())
}

type recordingSender struct {
	sent []string
}

func (r *recordingSender) SendChat(ctx context.Context, chatID, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

type recordingNotifier struct {
	outcomes []bool
	details  []string
}

func (r *recordingNotifier) NotifyDeliveryOutcome(ctx context.Context, accountID string, ok bool, detail string) {
	r.outcomes = append(r.outcomes, ok)
	r.details = append(r.details, detail)
}

func TestRun_NoOrderIDSuppressesDelivery(t *testing.T) {
	s := newTestStore(t)
	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	p := New(Config{DeliveryCooldown: time.Minute, ShipConfirmCooldown: time.Minute}, s, newTestAPIClient(t, s), nil, nil, nil, sender, notifier, zerolog.Nop())

	p.Run(context.Background(), Request{AccountID: "a1", ItemID: "item-1", ChatID: "chat-1"})

	if len(sender.sent) != 0 {
		t.Fatalf("expected no send without an order id, got %v", sender.sent)
	}
	if len(notifier.outcomes) != 0 {
		t.Fatalf("expected no notification either way when order id absent, got %v", notifier.outcomes)
	}
}

func TestRun_TextCardDeliversAndDedupsWithinCooldown(t *testing.T) {
	s := newTestStore(t)
	db := s.DB()
	card := store.Card{OwnerUserID: "owner-1", Name: "key", Type: store.CardTypeText, Payload: "KEY-XYZ"}
	if err := db.Create(&card).Error; err != nil {
		t.Fatal(err)
	}
	rule := store.DeliveryRule{OwnerUserID: "owner-1", AccountID: "a1", Keyword: "iPhone", CardID: card.ID}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&store.ItemInfo{AccountID: "a1", ItemID: "item-1", Title: "iPhone 15", DetailText: "128G silver"}).Error; err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	p := New(Config{DeliveryCooldown: time.Minute, ShipConfirmCooldown: time.Minute}, s, newTestAPIClient(t, s), nil, nil, nil, sender, notifier, zerolog.Nop())

	req := Request{AccountID: "a1", ItemID: "item-1", ChatID: "chat-1", OrderID: "555"}
	p.Run(context.Background(), req)

	if len(sender.sent) != 1 || sender.sent[0] != "KEY-XYZ" {
		t.Fatalf("expected exactly one send of the card text, got %v", sender.sent)
	}
	if len(notifier.outcomes) != 1 || !notifier.outcomes[0] {
		t.Fatalf("expected one success notification, got %v", notifier.outcomes)
	}

	var reloaded store.DeliveryRule
	if err := db.First(&reloaded, "id = ?", rule.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.DeliveryCountUsed != 1 {
		t.Fatalf("expected delivery counter incremented once, got %d", reloaded.DeliveryCountUsed)
	}

	// Duplicate trigger for the same order within the cooldown window is a no-op.
	p.Run(context.Background(), req)
	if len(sender.sent) != 1 {
		t.Fatalf("expected no additional send within cooldown, got %v", sender.sent)
	}
}

func TestRun_NoMatchingRuleEmitsFailureNotification(t *testing.T) {
	s := newTestStore(t)
	if err := s.DB().Create(&store.ItemInfo{AccountID: "a1", ItemID: "item-1", Title: "random gadget", DetailText: "no rule for this"}).Error; err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	p := New(Config{DeliveryCooldown: time.Minute, ShipConfirmCooldown: time.Minute}, s, newTestAPIClient(t, s), nil, nil, nil, sender, notifier, zerolog.Nop())

	p.Run(context.Background(), Request{AccountID: "a1", ItemID: "item-1", ChatID: "chat-1", OrderID: "999"})

	if len(sender.sent) != 0 {
		t.Fatalf("expected no send when no rule matches, got %v", sender.sent)
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0] {
		t.Fatalf("expected one failure notification, got %v", notifier.outcomes)
	}
}

func TestComposeMessage_Interpolation(t *testing.T) {
	if got := composeMessage("Thanks! {DELIVERY_CONTENT}", "CODE-1"); got != "Thanks! CODE-1" {
		t.Fatalf("unexpected interpolated message: %q", got)
	}
	if got := composeMessage("Thanks for your purchase", "CODE-1"); got != "Thanks for your purchase\n\nCODE-1" {
		t.Fatalf("unexpected prefixed message: %q", got)
	}
	if got := composeMessage("", "CODE-1"); got != "CODE-1" {
		t.Fatalf("unexpected bare content: %q", got)
	}
}

func TestExtractAPIContent_PrefersDataKey(t *testing.T) {
	if got := extractAPIContent([]byte(`{"data":"the-code"}`)); got != "the-code" {
		t.Fatalf("unexpected extracted content: %q", got)
	}
	if got := extractAPIContent([]byte(`plain text body`)); got != "plain text body" {
		t.Fatalf("unexpected fallback content: %q", got)
	}
}
