package valuation_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/ksred/blineit-api/internal/database/dbtest"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/internal/valuation"
)

func TestQuoteStaysWithinDrift(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := valuation.AppraiserFor(types.ItemTypeProperty)
	for i := 0; i < 1000; i++ {
		next := a.Quote(rng, 100)
		if math.Abs(next-100) > 100*a.MaxDrift+0.005 {
			t.Fatalf("quote %v outside %v drift", next, a.MaxDrift)
		}
	}

	if got := a.Quote(rng, 0.01); got < 0.01 {
		t.Fatalf("quote fell below floor: %v", got)
	}
	if valuation.AppraiserFor("business").Name == "" {
		t.Fatal("no fallback appraiser")
	}
}

func TestRevaluePublishesPriceChanges(t *testing.T) {
	db := dbtest.New(t)
	broker := realtime.NewBroker()
	t.Cleanup(broker.Shutdown)
	svc := portfolio.NewService(db, broker)

	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		dbtest.SeedAsset(t, db, types.ItemTypeProperty, id, 100, 1000)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := realtime.ParseFilter("assets:token_price")
	if err != nil {
		t.Fatal(err)
	}
	sub := broker.Subscribe(ctx, f)
	defer sub.Close()

	feed := valuation.NewFeed(svc, time.Hour, 42)
	moved := 0
	for pass := 0; pass < 5 && moved == 0; pass++ {
		n, err := feed.Revalue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		moved = n
	}
	if moved == 0 {
		t.Fatal("no asset revalued in five passes")
	}

	select {
	case e := <-sub.Events():
		if dir := e.Direction("token_price"); dir != "up" && dir != "down" {
			t.Fatalf("direction = %q", dir)
		}
	case <-ctx.Done():
		t.Fatal("no price event published")
	}
}
