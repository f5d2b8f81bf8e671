package inbound

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/session"
	"github.com/adred-codev/resale-agent/internal/store"
)

func newTestDemux(t *testing.T, handlers Handlers) *Demux {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	api := apiclient.New(apiclient.Config{
		BaseURL: "http://unused.invalid", CallTimeout: time.Second, MaxRetries: 1, RetryWait: time.Millisecond, RefreshInterval: time.Hour,
	}, "acct-1", s, func(ctx context.Context) (string, error) { return "tok", nil }, nil, zerolog.Nop())
	sess := session.New("acct-1", "owner-1", session.Config{
		HeartbeatInterval: time.Second, HeartbeatTimeout: time.Second, TokenRefreshInterval: time.Hour,
		TokenRetryInterval: time.Minute, ReconnectBackoff: time.Second, SendRatePerSecond: 10, SendRateBurst: 10,
	}, api, func(ctx context.Context, raw []byte) {}, zerolog.Nop())
	return New(sess, "self-user-1", handlers, zerolog.Nop())
}

func rawMsg(t *testing.T, v any) map[string]json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestExtractChatReminder_ParsesAllFields(t *testing.T) {
	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"2": "chat-123@goofy",
			"5": "1700000000000",
			"10": map[string]any{
				"reminderContent": "when will it ship",
				"senderNick":      "Alice",
				"senderUserId":    "user-42",
				"reminderUrl":     "https://example.com/x?itemId=1234567890",
			},
		},
	})
	chat, ok := extractChatReminder(msg)
	if !ok {
		t.Fatal("expected chat to be extracted")
	}
	if chat.SenderID != "user-42" || chat.SenderName != "Alice" || chat.ChatID != "chat-123@goofy" {
		t.Fatalf("unexpected fields: %+v", chat)
	}
	if chat.ItemID != "1234567890" || chat.ItemIDSynth {
		t.Fatalf("expected item id from url, got %q synth=%v", chat.ItemID, chat.ItemIDSynth)
	}
	if chat.CreateTimeMs != 1700000000000 {
		t.Fatalf("unexpected create time: %d", chat.CreateTimeMs)
	}
}

func TestExtractItemID_FallsBackToSyntheticWhenAbsent(t *testing.T) {
	msg := rawMsg(t, map[string]any{"1": map[string]any{"10": map[string]any{}}})
	id, synth := extractItemID("", msg, "user-9")
	if !synth {
		t.Fatal("expected synthetic id")
	}
	if id == "" {
		t.Fatal("expected non-empty synthetic id")
	}
}

func TestExtractItemID_RecursiveKeySearch(t *testing.T) {
	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"10": map[string]any{"nested": map[string]any{"itemId": "9876543210"}},
		},
	})
	id, synth := extractItemID("", msg, "user-9")
	if synth {
		t.Fatal("expected non-synthetic id from recursive search")
	}
	if id != "9876543210" {
		t.Fatalf("unexpected id: %q", id)
	}
}

func TestIsAutoDeliveryTrigger(t *testing.T) {
	if !isAutoDeliveryTrigger("刚刚看到 [我已付款，等待你发货] 的提示") {
		t.Fatal("expected trigger match")
	}
	if isAutoDeliveryTrigger("你好，请问还有货吗") {
		t.Fatal("expected no trigger match")
	}
}

func TestClassify_RoutesChatToOnChat(t *testing.T) {
	var gotChat ChatMessage
	called := false
	d := newTestDemux(t, Handlers{OnChat: func(ctx context.Context, msg ChatMessage) {
		called = true
		gotChat = msg
	}})

	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"2": "chat-1", "5": "1700000000000",
			"10": map[string]any{"reminderContent": "hello", "senderUserId": "user-1", "senderNick": "Bob"},
		},
	})
	d.classify(context.Background(), msg)

	if !called {
		t.Fatal("expected OnChat to be called")
	}
	if gotChat.Text != "hello" {
		t.Fatalf("unexpected text: %q", gotChat.Text)
	}
}

func TestClassify_DropsSelfSentEcho(t *testing.T) {
	called := false
	d := newTestDemux(t, Handlers{OnChat: func(ctx context.Context, msg ChatMessage) { called = true }})

	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"2": "chat-1", "5": "1700000000000",
			"10": map[string]any{"reminderContent": "hi", "senderUserId": "self-user-1"},
		},
	})
	d.classify(context.Background(), msg)

	if called {
		t.Fatal("expected self-sent echo to be dropped")
	}
}

func TestClassify_RoutesAutoDeliveryTrigger(t *testing.T) {
	called := false
	var delay time.Duration
	d := newTestDemux(t, Handlers{OnAutoDeliveryTrigger: func(ctx context.Context, msg ChatMessage, preDelay time.Duration) {
		called = true
		delay = preDelay
	}})

	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"2": "chat-1", "5": "1700000000000",
			"10": map[string]any{"reminderContent": "[我已付款，等待你发货]", "senderUserId": "user-1"},
		},
	})
	d.classify(context.Background(), msg)

	if !called {
		t.Fatal("expected OnAutoDeliveryTrigger to be called")
	}
	if delay != 0 {
		t.Fatalf("expected zero pre-delay for plain trigger, got %v", delay)
	}
}

func TestClassify_BargainClaimedCardChatGetsPreDelay(t *testing.T) {
	called := false
	var delay time.Duration
	d := newTestDemux(t, Handlers{OnAutoDeliveryTrigger: func(ctx context.Context, msg ChatMessage, preDelay time.Duration) {
		called = true
		delay = preDelay
	}})

	msg := rawMsg(t, map[string]any{
		"1": map[string]any{
			"2": "chat-1", "5": "1700000000000",
			"10": map[string]any{
				"reminderContent": "[卡片消息]",
				"reminderTitle":   "我已小刀，待刀成",
				"senderUserId":    "user-1",
			},
		},
	})
	d.classify(context.Background(), msg)

	if !called {
		t.Fatal("expected bargain-claimed card chat to trigger delivery")
	}
	if delay != 2*time.Second {
		t.Fatalf("expected 2s pre-delay, got %v", delay)
	}
}

func TestExtractOrderID_FromButtonTargetURL(t *testing.T) {
	content := `{"dxCard":{"item":{"main":{"exContent":{"button":{"targetUrl":"https://x?orderId=555"}}}}}}`
	msg := rawMsg(t, map[string]any{
		"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": content}}},
	})
	if got := extractOrderID(msg); got != "555" {
		t.Fatalf("expected order id 555, got %q", got)
	}
}

func TestExtractOrderID_FromMainTargetURL(t *testing.T) {
	content := `{"dxCard":{"item":{"main":{"targetUrl":"https://x/order_detail?id=556"}}}}`
	msg := rawMsg(t, map[string]any{
		"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": content}}},
	})
	if got := extractOrderID(msg); got != "556" {
		t.Fatalf("expected order id 556, got %q", got)
	}
}

func TestExtractOrderID_FromDynamicOperation(t *testing.T) {
	content := `{"dynamicOperation":{"changeContent":{"dxCard":{"item":{"main":{"exContent":{"button":{"targetUrl":"https://x/order_detail?id=557"}}}}}}}}`
	msg := rawMsg(t, map[string]any{
		"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": content}}},
	})
	if got := extractOrderID(msg); got != "557" {
		t.Fatalf("expected order id 557, got %q", got)
	}
}

func TestExtractOrderID_AbsentIsNonFatal(t *testing.T) {
	msg := rawMsg(t, map[string]any{"1": map[string]any{}})
	if got := extractOrderID(msg); got != "" {
		t.Fatalf("expected empty order id, got %q", got)
	}
}

func TestClassify_OrderStatusIsNonActionable(t *testing.T) {
	chatCalled := false
	d := newTestDemux(t, Handlers{OnChat: func(ctx context.Context, msg ChatMessage) { chatCalled = true }})

	msg := rawMsg(t, map[string]any{"3": map[string]any{"redReminder": "交易已完成"}})
	d.classify(context.Background(), msg)

	if chatCalled {
		t.Fatal("expected order status frame not to route to OnChat")
	}
}
