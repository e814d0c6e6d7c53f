package realtime

import (
	"context"
	"testing"
	"time"
)

type priceRow struct {
	ItemID     string  `json:"item_id"`
	TokenPrice float64 `json:"token_price"`
	Name       string  `json:"name"`
}

func mustEvent(t *testing.T, table string, typ EventType, oldRow, newRow interface{}) Event {
	t.Helper()
	e, err := NewEvent(table, typ, oldRow, newRow)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return e
}

func TestParseFilter(t *testing.T) {
	cases := []struct {
		text string
		want Filter
		err  bool
	}{
		{text: "listings", want: Filter{Table: "listings"}},
		{text: "assets:token_price", want: Filter{Table: "assets", Column: "token_price"}},
		{text: "notifications?user_id=eq.u1", want: Filter{Table: "notifications", Field: "user_id", Value: "u1"}},
		{text: "assets:token_price?item_id=eq.p-9", want: Filter{Table: "assets", Column: "token_price", Field: "item_id", Value: "p-9"}},
		{text: "", err: true},
		{text: "trades?buyer_id=u1", err: true},
		{text: ":price", err: true},
	}

	for _, tc := range cases {
		got, err := ParseFilter(tc.text)
		if tc.err {
			if err == nil {
				t.Errorf("ParseFilter(%q) expected error", tc.text)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFilter(%q): %v", tc.text, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFilter(%q) = %+v, want %+v", tc.text, got, tc.want)
		}
		if got.String() != tc.text {
			t.Errorf("String() = %q, want %q", got.String(), tc.text)
		}
	}
}

func TestDirection(t *testing.T) {
	up := mustEvent(t, "assets", EventUpdate, priceRow{"p1", 10, "A"}, priceRow{"p1", 10.5, "A"})
	if d := up.Direction("token_price"); d != DirectionUp {
		t.Fatalf("direction = %q, want up", d)
	}

	down := mustEvent(t, "assets", EventUpdate, priceRow{"p1", 10, "A"}, priceRow{"p1", 9, "A"})
	if d := down.Direction("token_price"); d != DirectionDown {
		t.Fatalf("direction = %q, want down", d)
	}

	flat := mustEvent(t, "assets", EventUpdate, priceRow{"p1", 10, "A"}, priceRow{"p1", 10, "B"})
	if d := flat.Direction("token_price"); d != "" {
		t.Fatalf("direction = %q, want empty", d)
	}

	insert := mustEvent(t, "assets", EventInsert, nil, priceRow{"p1", 10, "A"})
	if d := insert.Direction("token_price"); d != "" {
		t.Fatalf("insert direction = %q", d)
	}
}

func TestFilterMatchesColumnAndField(t *testing.T) {
	f := Filter{Table: "assets", Column: "token_price", Field: "item_id", Value: "p1"}

	priceMove := mustEvent(t, "assets", EventUpdate, priceRow{"p1", 10, "A"}, priceRow{"p1", 11, "A"})
	if !f.Matches(priceMove) {
		t.Fatal("price move on p1 should match")
	}

	rename := mustEvent(t, "assets", EventUpdate, priceRow{"p1", 10, "A"}, priceRow{"p1", 10, "B"})
	if f.Matches(rename) {
		t.Fatal("rename without price change should not match the column filter")
	}

	other := mustEvent(t, "assets", EventUpdate, priceRow{"p2", 10, "A"}, priceRow{"p2", 11, "A"})
	if f.Matches(other) {
		t.Fatal("other asset should not match")
	}

	if (Filter{Table: "listings"}).Matches(priceMove) {
		t.Fatal("table mismatch should not match")
	}
}

func TestBrokerDeliversAndClosesOnContext(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	sub := b.Subscribe(ctx, Filter{Table: "trades"})
	b.PublishChange("listings", EventInsert, nil, map[string]interface{}{"id": "l1"})
	b.PublishChange("trades", EventInsert, nil, map[string]interface{}{"id": "t1"})

	select {
	case e := <-sub.Events():
		if e.Table != "trades" || e.New["id"] != "t1" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected extra event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Close after the context already released it must be a no-op.
	sub.Close()
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	b.bufferSize = 2
	sub := b.Subscribe(context.Background(), Filter{Table: "listings"})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.PublishChange("listings", EventInsert, nil, map[string]interface{}{"n": i})
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestQueuedSubscriptionKeepsEveryEvent(t *testing.T) {
	b := NewBroker()
	b.bufferSize = 2
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.SubscribeQueued(ctx, Filter{Table: "trades"})

	const burst = 300
	for i := 0; i < burst; i++ {
		b.PublishChange("trades", EventInsert, nil, map[string]interface{}{"n": i})
	}
	if got := sub.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}

	for i := 0; i < burst; i++ {
		select {
		case e := <-sub.Events():
			if e.New["n"] != float64(i) {
				t.Fatalf("event %d out of order: %+v", i, e.New)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d events delivered", i, burst)
		}
	}

	cancel()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected extra event")
		}
	case <-time.After(time.Second):
		t.Fatal("queued subscription not closed after context cancel")
	}
}

func TestListenReleasesSubscription(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Event, 1)
	done := make(chan struct{})
	go func() {
		Listen(ctx, b, Filter{Table: "trades"}, func(e Event) { got <- e })
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.PublishChange("trades", EventInsert, nil, map[string]interface{}{"id": "t1"})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("listener did not receive event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not return")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d after Listen returned", n)
	}
}

func TestAuthorize(t *testing.T) {
	if err := Authorize(Filter{Table: "listings"}, "u1"); err != nil {
		t.Fatalf("public table: %v", err)
	}
	if err := Authorize(Filter{Table: "notifications", Field: "user_id", Value: "u1"}, "u1"); err != nil {
		t.Fatalf("own notifications: %v", err)
	}
	if err := Authorize(Filter{Table: "notifications", Field: "user_id", Value: "u2"}, "u1"); err == nil {
		t.Fatal("other user's notifications must be rejected")
	}
	if err := Authorize(Filter{Table: "holdings"}, "u1"); err == nil {
		t.Fatal("unfiltered private table must be rejected")
	}
	if err := Authorize(Filter{Table: "auth_users"}, "u1"); err == nil {
		t.Fatal("unknown table must be rejected")
	}
	if err := Authorize(Filter{Table: "trades", Field: "buyer_id", Value: "u1"}, "u1"); err != nil {
		t.Fatalf("own trades: %v", err)
	}
	if err := Authorize(Filter{Table: "trades", Field: "seller_id", Value: "u2"}, "u1"); err == nil {
		t.Fatal("filtering trades by another user's id must be rejected")
	}
	if err := Authorize(Filter{Table: "trades", Field: "item_id", Value: "prop-1"}, "u1"); err != nil {
		t.Fatalf("trades by asset: %v", err)
	}
}

func TestRedactTradeParties(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()
	public := b.Subscribe(context.Background(), Filter{Table: "trades"})
	own := b.Subscribe(context.Background(), Filter{Table: "trades", Field: "buyer_id", Value: "buyer-1"})

	b.PublishChange("trades", EventInsert, nil, map[string]interface{}{
		"id":        "t1",
		"buyer_id":  "buyer-1",
		"seller_id": "seller-1",
		"quantity":  4,
	})

	e := Redact(public.Filter(), <-public.Events())
	if _, ok := e.New["buyer_id"]; ok {
		t.Fatalf("public trade event leaks buyer_id: %+v", e.New)
	}
	if _, ok := e.New["seller_id"]; ok {
		t.Fatalf("public trade event leaks seller_id: %+v", e.New)
	}
	if e.New["id"] != "t1" || e.New["quantity"] == nil {
		t.Fatalf("public trade event lost market data: %+v", e.New)
	}

	mine := Redact(own.Filter(), <-own.Events())
	if mine.New["buyer_id"] != "buyer-1" || mine.New["seller_id"] != "seller-1" {
		t.Fatalf("own trade event redacted: %+v", mine.New)
	}

	if e := Redact(Filter{Table: "assets"}, Event{Table: "assets", New: map[string]interface{}{"item_id": "p"}}); e.New["item_id"] != "p" {
		t.Fatalf("assets event changed: %+v", e.New)
	}
}
