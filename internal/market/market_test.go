package market_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/blineit-api/internal/database/dbtest"
	"github.com/ksred/blineit-api/internal/market"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"gorm.io/gorm"
)

const (
	seller = "seller-1"
	buyer  = "buyer-1"
)

func newService(t *testing.T) (*market.Service, *gorm.DB, *realtime.Broker) {
	t.Helper()
	db := dbtest.New(t)
	broker := realtime.NewBroker()
	t.Cleanup(broker.Shutdown)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 50, 1000)
	dbtest.SeedHolding(t, db, seller, types.ItemTypeProperty, "prop-1", 10, 40)
	return market.NewService(db, broker, 0.025), db, broker
}

func list(t *testing.T, svc *market.Service, qty, price float64) *types.Listing {
	t.Helper()
	l, err := svc.CreateListing(context.Background(), seller, market.CreateListingRequest{
		ItemType:      types.ItemTypeProperty,
		ItemID:        "prop-1",
		TokenQuantity: qty,
		PricePerToken: price,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func holding(t *testing.T, db *gorm.DB, userID string) *types.Holding {
	t.Helper()
	h, err := portfolio.FindHolding(db, userID, types.ItemTypeProperty, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if h == nil {
		t.Fatalf("no holding for %s", userID)
	}
	return h
}

func TestFees(t *testing.T) {
	cases := []struct {
		total, rate, fee, net float64
	}{
		{1000, 0.025, 25, 975},
		{33.33, 0.025, 0.83, 32.5},
		{200, 0, 0, 200},
	}
	for _, tc := range cases {
		fee, net := market.Fees(tc.total, tc.rate)
		if fee != tc.fee || net != tc.net {
			t.Errorf("Fees(%v, %v) = %v, %v; want %v, %v", tc.total, tc.rate, fee, net, tc.fee, tc.net)
		}
	}
}

func TestBuildOrderBook(t *testing.T) {
	listings := []types.Listing{
		{ListingID: "b", PricePerToken: 55, TokenQuantity: 10, FilledQuantity: 4},
		{ListingID: "a", PricePerToken: 48, TokenQuantity: 5},
		{ListingID: "done", PricePerToken: 40, TokenQuantity: 5, FilledQuantity: 5},
		{ListingID: "over", PricePerToken: 41, TokenQuantity: 5, FilledQuantity: 6},
	}
	orders := []types.BuyOrder{
		{BuyOrderID: "low", MaxPricePerToken: 44, TokenQuantity: 3},
		{BuyOrderID: "high", MaxPricePerToken: 46, TokenQuantity: 2, FilledQuantity: 1},
	}

	book := market.BuildOrderBook(types.ItemTypeProperty, "prop-1", listings, orders)

	if len(book.Asks) != 2 || book.Asks[0].ListingID != "a" || book.Asks[1].ListingID != "b" {
		t.Fatalf("asks = %+v", book.Asks)
	}
	for _, a := range book.Asks {
		if a.Remaining <= 0 {
			t.Fatalf("ask with non-positive remaining %+v", a)
		}
	}
	if book.Asks[1].Remaining != 6 {
		t.Fatalf("remaining = %v, want 6", book.Asks[1].Remaining)
	}
	if len(book.Bids) != 2 || book.Bids[0].BuyOrderID != "high" {
		t.Fatalf("bids = %+v", book.Bids)
	}
	if *book.BestAsk != 48 || *book.BestBid != 46 || *book.Spread != 2 {
		t.Fatalf("best ask/bid/spread = %v/%v/%v", *book.BestAsk, *book.BestBid, *book.Spread)
	}

	empty := market.BuildOrderBook(types.ItemTypeLoan, "loan-1", nil, nil)
	if empty.BestAsk != nil || empty.BestBid != nil || empty.Spread != nil || len(empty.Asks) != 0 {
		t.Fatalf("empty book = %+v", empty)
	}
}

func TestCreateListingValidatesBeforeWriting(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	bad := []market.CreateListingRequest{
		{ItemType: "stock", ItemID: "prop-1", TokenQuantity: 1, PricePerToken: 1},
		{ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 0, PricePerToken: 1},
		{ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: -2, PricePerToken: 1},
		{ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 1, PricePerToken: 0},
		{ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 1, PricePerToken: 1, ExpiresAt: &past},
	}
	for i, req := range bad {
		if _, err := svc.CreateListing(ctx, seller, req); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("case %d: err = %v, want validation error", i, err)
		}
	}

	var count int64
	db.Model(&types.Listing{}).Count(&count)
	if count != 0 {
		t.Fatalf("listings written = %d, want 0", count)
	}
}

func TestCreateListingLocksTokens(t *testing.T) {
	svc, db, _ := newService(t)
	list(t, svc, 6, 50)

	h := holding(t, db, seller)
	if h.LockedQuantity != 6 || h.Available() != 4 {
		t.Fatalf("holding after listing %+v", h)
	}

	_, err := svc.CreateListing(context.Background(), seller, market.CreateListingRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 5, PricePerToken: 50,
	})
	if err != portfolio.ErrInsufficientTokens {
		t.Fatalf("err = %v, want ErrInsufficientTokens", err)
	}
}

func TestCancelListing(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	l := list(t, svc, 6, 50)

	if _, err := svc.CancelListing(ctx, buyer, l.ListingID); err != market.ErrNotOwner {
		t.Fatalf("non-owner cancel: err = %v", err)
	}

	cancelled, err := svc.CancelListing(ctx, seller, l.ListingID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if h := holding(t, db, seller); h.LockedQuantity != 0 {
		t.Fatalf("lock not released: %+v", h)
	}

	listings, err := svc.ListListings(ctx, market.ListingFilter{ItemType: types.ItemTypeProperty, ItemID: "prop-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 0 {
		t.Fatalf("cancelled listing still listed: %+v", listings)
	}
	book, err := svc.OrderBook(ctx, types.ItemTypeProperty, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Asks) != 0 {
		t.Fatalf("cancelled listing still in book: %+v", book.Asks)
	}

	if _, err := svc.CancelListing(ctx, seller, l.ListingID); err != market.ErrNotOpen {
		t.Fatalf("second cancel: err = %v, want ErrNotOpen", err)
	}
}

func TestExecuteTradeAgainstListing(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	l := list(t, svc, 6, 50)

	res, err := svc.ExecuteTrade(ctx, buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 4}, "key-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	tr := res.Trade
	if res.Replayed || tr.TotalAmount != 200 || tr.PlatformFee != 5 || tr.NetProceeds != 195 {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if tr.BuyerID != buyer || tr.SellerID != seller || tr.Status != types.TradeStatusCompleted {
		t.Fatalf("unexpected parties %+v", tr)
	}

	updated, err := svc.GetListing(ctx, l.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.FilledQuantity != 4 || updated.Status != types.StatusPartiallyFilled {
		t.Fatalf("listing after fill %+v", updated)
	}

	if h := holding(t, db, seller); h.TokenQuantity != 6 || h.LockedQuantity != 2 {
		t.Fatalf("seller holding %+v", h)
	}
	if h := holding(t, db, buyer); h.TokenQuantity != 4 || h.AverageCost != 50 {
		t.Fatalf("buyer holding %+v", h)
	}

	var gains []types.TaxableEvent
	db.Where("user_id = ? AND event_type = ?", seller, types.TaxEventCapitalGain).Find(&gains)
	if len(gains) != 1 || gains[0].Amount != 35 || gains[0].ReferenceID != tr.TradeID {
		t.Fatalf("seller gains %+v", gains)
	}

	replay, err := svc.ExecuteTrade(ctx, buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 4}, "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.Trade.TradeID != tr.TradeID {
		t.Fatalf("replay returned %+v", replay)
	}
	var trades int64
	db.Model(&types.Trade{}).Count(&trades)
	if trades != 1 {
		t.Fatalf("trades = %d after replay, want 1", trades)
	}

	if _, err := svc.ExecuteTrade(ctx, "someone-else", market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 1}, "key-1"); err != market.ErrIdempotencyKeyReused {
		t.Fatalf("foreign key reuse: err = %v", err)
	}

	if _, err := svc.ExecuteTrade(ctx, buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 3}, "key-2"); err != market.ErrInsufficientRemaining {
		t.Fatalf("overfill: err = %v, want ErrInsufficientRemaining", err)
	}

	if _, err := svc.ExecuteTrade(ctx, buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 2}, "key-3"); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	final, _ := svc.GetListing(ctx, l.ListingID)
	if final.Status != types.StatusFilled || final.Remaining() != 0 {
		t.Fatalf("listing after final fill %+v", final)
	}
	if _, err := svc.ExecuteTrade(ctx, buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 1}, "key-4"); err != market.ErrNotOpen {
		t.Fatalf("fill after filled: err = %v, want ErrNotOpen", err)
	}
}

func TestExecuteTradeRejections(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	l := list(t, svc, 6, 50)

	cases := []struct {
		name string
		user string
		req  market.ExecuteTradeRequest
		key  string
		want error
	}{
		{"missing key", buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 1}, "", market.ErrIdempotencyKeyRequired},
		{"no target", buyer, market.ExecuteTradeRequest{Quantity: 1}, "k", market.ErrInvalidTradeTarget},
		{"both targets", buyer, market.ExecuteTradeRequest{ListingID: l.ListingID, BuyOrderID: "x", Quantity: 1}, "k", market.ErrInvalidTradeTarget},
		{"zero quantity", buyer, market.ExecuteTradeRequest{ListingID: l.ListingID}, "k", market.ErrInvalidQuantity},
		{"self trade", seller, market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 1}, "k", market.ErrSelfTrade},
		{"unknown listing", buyer, market.ExecuteTradeRequest{ListingID: "nope", Quantity: 1}, "k", market.ErrListingNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ExecuteTrade(ctx, tc.user, tc.req, tc.key); err != tc.want {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	l := list(t, svc, 10, 50)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		filled   int
		rejected int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ExecuteTrade(ctx, fmt.Sprintf("buyer-%d", i),
				market.ExecuteTradeRequest{ListingID: l.ListingID, Quantity: 3}, fmt.Sprintf("key-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				filled++
			case market.ErrInsufficientRemaining, market.ErrNotOpen:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if filled != 3 || rejected != 3 {
		t.Fatalf("filled = %d rejected = %d, want 3 and 3", filled, rejected)
	}
	got, _ := svc.GetListing(ctx, l.ListingID)
	if got.FilledQuantity > got.TokenQuantity {
		t.Fatalf("overfilled listing %+v", got)
	}
}

func TestExecuteTradeAgainstBuyOrder(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()

	order, err := svc.CreateBuyOrder(ctx, buyer, market.CreateBuyOrderRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 5, MaxPricePerToken: 45,
	})
	if err != nil {
		t.Fatalf("create buy order: %v", err)
	}

	book, err := svc.OrderBook(ctx, types.ItemTypeProperty, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if book.BestBid == nil || *book.BestBid != 45 {
		t.Fatalf("best bid = %v", book.BestBid)
	}

	res, err := svc.ExecuteTrade(ctx, seller, market.ExecuteTradeRequest{BuyOrderID: order.BuyOrderID, Quantity: 5}, "sell-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Trade.TotalAmount != 225 || res.Trade.BuyOrderID != order.BuyOrderID {
		t.Fatalf("trade %+v", res.Trade)
	}

	filled, err := svc.UserBuyOrders(ctx, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if len(filled) != 1 || filled[0].Status != types.StatusFilled {
		t.Fatalf("buy orders %+v", filled)
	}
	if h := holding(t, db, seller); h.TokenQuantity != 5 {
		t.Fatalf("seller holding %+v", h)
	}
	if h := holding(t, db, buyer); h.TokenQuantity != 5 || h.AverageCost != 45 {
		t.Fatalf("buyer holding %+v", h)
	}

	history, err := svc.TradeHistory(ctx, seller, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d trades", len(history))
	}

	if _, err := svc.CancelBuyOrder(ctx, buyer, order.BuyOrderID); err != market.ErrNotOpen {
		t.Fatalf("cancel filled order: err = %v", err)
	}
}

func TestExpireStaleReleasesLocks(t *testing.T) {
	svc, db, broker := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expiry := time.Now().Add(time.Hour)
	l, err := svc.CreateListing(ctx, seller, market.CreateListingRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 4, PricePerToken: 50, ExpiresAt: &expiry,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateBuyOrder(ctx, buyer, market.CreateBuyOrderRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", TokenQuantity: 4, MaxPricePerToken: 40, ExpiresAt: &expiry,
	}); err != nil {
		t.Fatal(err)
	}

	f, _ := realtime.ParseFilter("listings:status")
	sub := broker.Subscribe(ctx, f)

	if n, err := svc.ExpireStale(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("early sweep: n = %d err = %v", n, err)
	}
	n, err := svc.ExpireStale(ctx, expiry.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}

	got, _ := svc.GetListing(ctx, l.ListingID)
	if got.Status != types.StatusExpired {
		t.Fatalf("status = %s", got.Status)
	}
	if h := holding(t, db, seller); h.LockedQuantity != 0 {
		t.Fatalf("lock not released %+v", h)
	}

	select {
	case e := <-sub.Events():
		if e.New["status"] != types.StatusExpired {
			t.Fatalf("event new row %+v", e.New)
		}
	case <-time.After(time.Second):
		t.Fatal("no listing status event")
	}
}
