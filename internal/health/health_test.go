package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/registry"
	"github.com/adred-codev/resale-agent/internal/session"
	"github.com/adred-codev/resale-agent/internal/store"
)

func TestReporter_SnapshotReturnsNonNegativeValues(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if snap.Goroutines <= 0 {
		t.Fatalf("expected at least one goroutine, got %d", snap.Goroutines)
	}
	if snap.Uptime < 0 {
		t.Fatalf("expected non-negative uptime, got %v", snap.Uptime)
	}
}

func TestBuild_IncludesRegisteredAccounts(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	factory := func(accountID, ownerID, cookieBlob string) *session.Session {
		api := apiclient.New(apiclient.Config{
			BaseURL: "http://unused.invalid", CallTimeout: time.Second, MaxRetries: 1, RetryWait: time.Millisecond, RefreshInterval: time.Hour,
		}, accountID, s, func(ctx context.Context) (string, error) { return "tok", nil }, nil, zerolog.Nop())
		return session.New(accountID, ownerID, session.Config{
			HeartbeatInterval: time.Hour, HeartbeatTimeout: time.Hour, TokenRefreshInterval: time.Hour,
			TokenRetryInterval: time.Hour, ReconnectBackoff: time.Hour, SendRatePerSecond: 10, SendRateBurst: 10,
		}, api, func(ctx context.Context, raw []byte) {}, zerolog.Nop())
	}
	reg := registry.New(context.Background(), s, factory, zerolog.Nop())
	if err := reg.Add("a1", "sid=abc", "owner-1"); err != nil {
		t.Fatal(err)
	}

	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	report := Build(r, reg)
	if _, ok := report.Accounts["a1"]; !ok {
		t.Fatalf("expected a1 in report, got %+v", report.Accounts)
	}
}
