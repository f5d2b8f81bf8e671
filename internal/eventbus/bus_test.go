package eventbus

import "testing"

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	events, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(CategoryTokenHealth, "a1", "refresh failed")

	ev := <-events
	if ev.Category != CategoryTokenHealth || ev.AccountID != "a1" || ev.Message != "refresh failed" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Seq == 0 {
		t.Fatal("expected a non-zero sequence number")
	}
}

func TestPublishInboundMessage_CarriesSenderIdentity(t *testing.T) {
	b := New()
	events, cancel := b.Subscribe(4)
	defer cancel()

	b.PublishInboundMessage("a1", "alice", "u1", "hi there")

	ev := <-events
	if ev.SenderName != "alice" || ev.SenderID != "u1" || ev.Message != "hi there" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPublishDelivery_CarriesOutcome(t *testing.T) {
	b := New()
	events, cancel := b.Subscribe(4)
	defer cancel()

	b.PublishDelivery("a1", false, "ship confirm failed")

	ev := <-events
	if ev.Category != CategoryDelivery || ev.OK {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPublish_DropsForFullSlowSubscriber(t *testing.T) {
	b := New()
	events, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(CategoryDelivery, "a1", "first")
	b.Publish(CategoryDelivery, "a1", "second") // buffer full, dropped

	ev := <-events
	if ev.Message != "first" {
		t.Fatalf("expected first event to survive, got %q", ev.Message)
	}
	select {
	case extra := <-events:
		t.Fatalf("expected no second event, got %+v", extra)
	default:
	}
}

func TestCancel_ClosesChannelAndStopsFurtherDelivery(t *testing.T) {
	b := New()
	events, cancel := b.Subscribe(1)
	cancel()

	b.Publish(CategoryTokenHealth, "a1", "ignored")

	if _, ok := <-events; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}
