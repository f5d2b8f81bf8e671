package reply

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSelect_ProductScopedKeywordBeatsGlobal(t *testing.T) {
	s := newTestStore(t)
	db := s.DB()
	if err := db.Create(&store.KeywordRule{AccountID: "a1", Keyword: "发货", ReplyTemplate: "global reply", ItemID: ""}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&store.KeywordRule{AccountID: "a1", Keyword: "发货", ReplyTemplate: "scoped reply", ItemID: "item-1"}).Error; err != nil {
		t.Fatal(err)
	}

	sel := New(s, nil, 2*time.Second, zerolog.Nop())
	got, ok := sel.Select(context.Background(), Request{AccountID: "a1", Text: "when will you 发货", ItemID: "item-1"})
	if !ok {
		t.Fatal("expected a reply")
	}
	if got != "scoped reply" {
		t.Fatalf("expected product-scoped reply to win, got %q", got)
	}
}

func TestSelect_FallsBackToGlobalWhenNoProductMatch(t *testing.T) {
	s := newTestStore(t)
	db := s.DB()
	if err := db.Create(&store.KeywordRule{AccountID: "a1", Keyword: "发货", ReplyTemplate: "global reply", ItemID: ""}).Error; err != nil {
		t.Fatal(err)
	}

	sel := New(s, nil, 2*time.Second, zerolog.Nop())
	got, ok := sel.Select(context.Background(), Request{AccountID: "a1", Text: "请问发货了吗", ItemID: "item-999"})
	if !ok || got != "global reply" {
		t.Fatalf("expected global reply, got %q ok=%v", got, ok)
	}
}

func TestSelect_DefaultReplyWhenNothingElseMatches(t *testing.T) {
	s := newTestStore(t)
	if err := s.DB().Create(&store.DefaultReply{AccountID: "a1", Enabled: true, Template: "hi {send_user_name}"}).Error; err != nil {
		t.Fatal(err)
	}

	sel := New(s, nil, 2*time.Second, zerolog.Nop())
	got, ok := sel.Select(context.Background(), Request{AccountID: "a1", SenderName: "Bob", Text: "random text"})
	if !ok {
		t.Fatal("expected default reply")
	}
	if got != "hi Bob" {
		t.Fatalf("expected interpolated default reply, got %q", got)
	}
}

func TestSelect_NoMatchReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	sel := New(s, nil, 2*time.Second, zerolog.Nop())
	_, ok := sel.Select(context.Background(), Request{AccountID: "a1", Text: "anything"})
	if ok {
		t.Fatal("expected no reply when nothing configured")
	}
}

func TestSelect_ExternalReplyAPITakesPrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"data":{"send_msg":"external says hi"}}`))
	}))
	defer srv.Close()

	s := newTestStore(t)
	if err := s.DB().Create(&store.UserSettings{AccountID: "a1", ExternalReplyOn: true, ExternalReplyURL: srv.URL}).Error; err != nil {
		t.Fatal(err)
	}
	if err := s.DB().Create(&store.DefaultReply{AccountID: "a1", Enabled: true, Template: "fallback"}).Error; err != nil {
		t.Fatal(err)
	}

	sel := New(s, nil, 2*time.Second, zerolog.Nop())
	got, ok := sel.Select(context.Background(), Request{AccountID: "a1", Text: "hello"})
	if !ok || got != "external says hi" {
		t.Fatalf("expected external reply to win, got %q ok=%v", got, ok)
	}
}

type stubAI struct {
	reply string
	err   error
}

func (s stubAI) Reply(ctx context.Context, req AIRequest) (string, error) { return s.reply, s.err }

func TestSelect_AIUsedWhenEnabledAndNoKeywordMatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.DB().Create(&store.AISettings{AccountID: "a1", Enabled: true}).Error; err != nil {
		t.Fatal(err)
	}

	sel := New(s, stubAI{reply: "ai generated reply"}, 2*time.Second, zerolog.Nop())
	got, ok := sel.Select(context.Background(), Request{AccountID: "a1", Text: "anything"})
	if !ok || got != "ai generated reply" {
		t.Fatalf("expected AI reply, got %q ok=%v", got, ok)
	}
}

func TestInterpolate_SubstitutesAllPlaceholders(t *testing.T) {
	sel := New(newTestStore(t), nil, time.Second, zerolog.Nop())
	got := sel.interpolate("{send_user_name} ({send_user_id}) said: {send_message}", Request{
		SenderID: "u1", SenderName: "Alice", Text: "hi",
	})
	if got != "Alice (u1) said: hi" {
		t.Fatalf("unexpected interpolation: %q", got)
	}
}
