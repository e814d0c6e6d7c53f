package notifications_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ksred/blineit-api/internal/database/dbtest"
	"github.com/ksred/blineit-api/internal/notifications"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
)

func newService(t *testing.T) (*notifications.Service, *realtime.Broker) {
	t.Helper()
	db := dbtest.New(t)
	broker := realtime.NewBroker()
	t.Cleanup(broker.Shutdown)
	return notifications.NewService(db, broker), broker
}

func TestCreateListAndMarkRead(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, title := range []string{"one", "two", "three"} {
		if _, err := svc.Create(ctx, notifications.CreateRequest{UserID: "user-1", Title: title}); err != nil {
			t.Fatal(err)
		}
	}
	other, err := svc.Create(ctx, notifications.CreateRequest{UserID: "user-2", Title: "not yours"})
	if err != nil {
		t.Fatal(err)
	}

	list, err := svc.List(ctx, "user-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Kind != notifications.KindSystem {
		t.Fatalf("list %+v", list)
	}

	if err := svc.MarkRead(ctx, "user-1", other.NotificationID); err != notifications.ErrNotificationNotFound {
		t.Fatalf("marking another user's notification: err = %v", err)
	}
	if err := svc.MarkRead(ctx, "user-1", list[0].NotificationID); err != nil {
		t.Fatal(err)
	}
	if n, _ := svc.UnreadCount(ctx, "user-1"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	changed, err := svc.MarkAllRead(ctx, "user-1")
	if err != nil || changed != 2 {
		t.Fatalf("mark all: changed = %d err = %v", changed, err)
	}
	unread, _ := svc.List(ctx, "user-1", true, 0)
	if len(unread) != 0 {
		t.Fatalf("unread after mark all %+v", unread)
	}
	if n, _ := svc.UnreadCount(ctx, "user-2"); n != 1 {
		t.Fatalf("other user's unread = %d, want 1", n)
	}
}

func TestListenerNotifiesCounterparties(t *testing.T) {
	svc, broker := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := realtime.ParseFilter("notifications?user_id=eq.seller-1")
	if err != nil {
		t.Fatal(err)
	}
	sub := broker.Subscribe(ctx, f)

	done := make(chan struct{})
	go func() {
		notifications.NewListener(svc, broker).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for broker.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	broker.PublishChange("trades", realtime.EventInsert, nil, &types.Trade{
		TradeID:       "trade-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		ItemType:      types.ItemTypeProperty,
		ItemID:        "prop-1",
		Quantity:      4,
		PricePerToken: 50,
		TotalAmount:   200,
		NetProceeds:   195,
	})

	select {
	case e := <-sub.Events():
		if e.New["reference_id"] != "trade-1" || e.New["kind"] != notifications.KindTradeExecuted {
			t.Fatalf("notification event %+v", e.New)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("seller notification not published")
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		list, err := svc.List(context.Background(), "buyer-1", false, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("buyer notification not stored")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

func TestListenerKeepsUpWithTradeBurst(t *testing.T) {
	svc, broker := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifications.NewListener(svc, broker).Run(ctx)
	deadline := time.Now().Add(time.Second)
	for broker.SubscriberCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	const burst = 300
	for i := 0; i < burst; i++ {
		broker.PublishChange("trades", realtime.EventInsert, nil, &types.Trade{
			TradeID:       fmt.Sprintf("trade-%d", i),
			BuyerID:       "buyer-1",
			SellerID:      "seller-1",
			ItemType:      types.ItemTypeProperty,
			ItemID:        "prop-1",
			Quantity:      1,
			PricePerToken: 50,
			TotalAmount:   50,
			NetProceeds:   49,
		})
	}

	deadline = time.Now().Add(10 * time.Second)
	for {
		bought, err := svc.UnreadCount(context.Background(), "buyer-1")
		if err != nil {
			t.Fatal(err)
		}
		sold, err := svc.UnreadCount(context.Background(), "seller-1")
		if err != nil {
			t.Fatal(err)
		}
		if bought == burst && sold == burst {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("after %d trades: buyer has %d notifications, seller %d", burst, bought, sold)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
