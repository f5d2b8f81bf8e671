package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestIsBenignExpiry(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"FAIL_SYS_TOKEN_EXOIRED::令牌过期", true}, // upstream typo preserved
		{"FAIL_SYS_TOKEN_EXPIRED::令牌过期", true},
		{"some other server says Session过期 now", true},
		{"connection reset by peer", false},
		{"FAIL_SYS_USER_BANNED", false},
	}
	for _, c := range cases {
		if got := IsBenignExpiry(c.msg); got != c.want {
			t.Errorf("IsBenignExpiry(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestWebhookSender_PostsJSONBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(resty.New())
	ch := store.NotificationChannel{Name: "wh1", Type: "webhook", Config: "url=" + srv.URL}
	if err := sender.Send(context.Background(), ch, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotBody == "" {
		t.Fatal("expected non-empty request body")
	}
}

func TestWebhookSender_MissingURL(t *testing.T) {
	sender := NewWebhookSender(resty.New())
	ch := store.NotificationChannel{Name: "wh-bad", Type: "webhook", Config: ""}
	if err := sender.Send(context.Background(), ch, "hi"); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestUnimplementedSender_ReturnsDescriptiveError(t *testing.T) {
	sender := UnimplementedSender{ChannelType: "qq"}
	err := sender.Send(context.Background(), store.NotificationChannel{Name: "qq1"}, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNotifier_FanOutRespectsChannelBindings(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = append(received, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	db := s.DB()
	ch := store.NotificationChannel{Name: "wh1", Type: "webhook", Config: "url=" + srv.URL, Enabled: true}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatal(err)
	}
	binding := store.MessageNotificationBinding{AccountID: "acct-1", Category: "inbound_message", ChannelID: ch.ID}
	if err := db.Create(&binding).Error; err != nil {
		t.Fatal(err)
	}

	n := New(s, map[string]Sender{"webhook": NewWebhookSender(resty.New())}, time.Minute, zerolog.Nop())
	n.NotifyInboundMessage(context.Background(), "acct-1", "alice", "u1", "hi there")

	if len(received) != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", len(received))
	}
}

// P9: a token-health notification for a benign expiry never reaches fanOut.
func TestNotifier_TokenHealth_SuppressesBenignExpiry(t *testing.T) {
	called := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	db := s.DB()
	ch := store.NotificationChannel{Name: "wh1", Type: "webhook", Config: "url=" + srv.URL, Enabled: true}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&store.MessageNotificationBinding{AccountID: "acct-1", Category: "token_health", ChannelID: ch.ID}).Error; err != nil {
		t.Fatal(err)
	}

	n := New(s, map[string]Sender{"webhook": NewWebhookSender(resty.New())}, time.Minute, zerolog.Nop())
	n.NotifyTokenHealth(context.Background(), "acct-1", "FAIL_SYS_TOKEN_EXOIRED::令牌过期")

	if called != 0 {
		t.Fatalf("expected no notification for benign expiry, got %d calls", called)
	}
}

func TestNotifier_TokenHealth_CooldownSuppressesRepeats(t *testing.T) {
	called := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	db := s.DB()
	ch := store.NotificationChannel{Name: "wh1", Type: "webhook", Config: "url=" + srv.URL, Enabled: true}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&store.MessageNotificationBinding{AccountID: "acct-1", Category: "token_health", ChannelID: ch.ID}).Error; err != nil {
		t.Fatal(err)
	}

	n := New(s, map[string]Sender{"webhook": NewWebhookSender(resty.New())}, time.Hour, zerolog.Nop())
	n.NotifyTokenHealth(context.Background(), "acct-1", "connection refused")
	n.NotifyTokenHealth(context.Background(), "acct-1", "connection refused again")

	if called != 1 {
		t.Fatalf("expected exactly one notification within cooldown window, got %d", called)
	}
}
