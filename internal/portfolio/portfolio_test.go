package portfolio_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/blineit-api/internal/database/dbtest"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"gorm.io/gorm"
)

func newService(t *testing.T) (*portfolio.Service, *gorm.DB, *realtime.Broker) {
	t.Helper()
	db := dbtest.New(t)
	broker := realtime.NewBroker()
	t.Cleanup(broker.Shutdown)
	return portfolio.NewService(db, broker), db, broker
}

func TestBuyTokensCreditsHoldingAndSupply(t *testing.T) {
	svc, db, _ := newService(t)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 50, 100)
	ctx := context.Background()

	res, err := svc.BuyTokens(ctx, "user-1", portfolio.PurchaseRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", Quantity: 10,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.TotalAmount != 500 || res.Holding.TokenQuantity != 10 || res.Holding.AverageCost != 50 {
		t.Fatalf("unexpected result %+v holding %+v", res, res.Holding)
	}

	asset, err := svc.GetAsset(ctx, types.ItemTypeProperty, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if asset.AvailableTokens != 90 {
		t.Fatalf("available = %v, want 90", asset.AvailableTokens)
	}

	if _, err := svc.BuyTokens(ctx, "user-1", portfolio.PurchaseRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", Quantity: 91,
	}); err != portfolio.ErrSoldOut {
		t.Fatalf("err = %v, want ErrSoldOut", err)
	}
}

func TestBuyTokensValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.BuyTokens(ctx, "user-1", portfolio.PurchaseRequest{ItemType: "property", ItemID: "x", Quantity: 0})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("zero quantity: err = %v", err)
	}
	_, err = svc.BuyTokens(ctx, "user-1", portfolio.PurchaseRequest{ItemType: "property", ItemID: "missing", Quantity: 1})
	if err != portfolio.ErrAssetNotFound {
		t.Fatalf("missing asset: err = %v", err)
	}
}

func TestSellTokensRecordsRealizedGain(t *testing.T) {
	svc, db, _ := newService(t)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 60, 100)
	dbtest.SeedHolding(t, db, "user-1", types.ItemTypeProperty, "prop-1", 10, 50)
	ctx := context.Background()

	res, err := svc.SellTokens(ctx, "user-1", portfolio.PurchaseRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", Quantity: 4,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Holding.TokenQuantity != 6 || res.TotalAmount != 240 {
		t.Fatalf("unexpected result %+v", res)
	}

	var events []types.TaxableEvent
	if err := db.Where("user_id = ?", "user-1").Find(&events).Error; err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != types.TaxEventCapitalGain || events[0].Amount != 40 {
		t.Fatalf("unexpected tax events %+v", events)
	}
}

func TestSellTokensRespectsLockedQuantity(t *testing.T) {
	svc, db, _ := newService(t)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 50, 100)
	dbtest.SeedHolding(t, db, "user-1", types.ItemTypeProperty, "prop-1", 10, 50)

	if _, err := portfolio.Lock(db, "user-1", types.ItemTypeProperty, "prop-1", 8); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := svc.SellTokens(context.Background(), "user-1", portfolio.PurchaseRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", Quantity: 3,
	})
	if err != portfolio.ErrInsufficientTokens {
		t.Fatalf("err = %v, want ErrInsufficientTokens", err)
	}
}

func TestLedgerLockAndDebit(t *testing.T) {
	_, db, _ := newService(t)
	dbtest.SeedHolding(t, db, "user-1", types.ItemTypeLoan, "loan-1", 10, 100)

	if _, err := portfolio.Lock(db, "user-1", types.ItemTypeLoan, "loan-1", 11); err != portfolio.ErrInsufficientTokens {
		t.Fatalf("overlock: err = %v", err)
	}
	h, err := portfolio.Lock(db, "user-1", types.ItemTypeLoan, "loan-1", 6)
	if err != nil {
		t.Fatal(err)
	}
	if h.LockedQuantity != 6 || h.Available() != 4 {
		t.Fatalf("after lock %+v", h)
	}

	h, err = portfolio.Debit(db, "user-1", types.ItemTypeLoan, "loan-1", 5, true)
	if err != nil {
		t.Fatal(err)
	}
	if h.TokenQuantity != 5 || h.LockedQuantity != 1 {
		t.Fatalf("after locked debit %+v", h)
	}

	h, err = portfolio.Unlock(db, "user-1", types.ItemTypeLoan, "loan-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if h.LockedQuantity != 0 {
		t.Fatalf("unlock must floor at zero, got %v", h.LockedQuantity)
	}
}

func TestAverageCost(t *testing.T) {
	if got := portfolio.AverageCost(10, 50, 10, 70); got != 60 {
		t.Fatalf("AverageCost = %v, want 60", got)
	}
	if got := portfolio.AverageCost(0, 0, 5, 12.5); got != 12.5 {
		t.Fatalf("AverageCost = %v, want 12.5", got)
	}
}

func TestUpdateAssetPricePublishesDirection(t *testing.T) {
	svc, db, broker := newService(t)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 50, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f, err := realtime.ParseFilter("assets:token_price")
	if err != nil {
		t.Fatal(err)
	}
	sub := broker.Subscribe(ctx, f)

	if _, err := svc.UpdateAssetPrice(ctx, types.ItemTypeProperty, "prop-1", 55); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case e := <-sub.Events():
		if e.Direction("token_price") != realtime.DirectionUp {
			t.Fatalf("direction = %q, want up", e.Direction("token_price"))
		}
	case <-time.After(time.Second):
		t.Fatal("no price event delivered")
	}

	if _, err := svc.UpdateAssetPrice(ctx, types.ItemTypeProperty, "prop-1", 0); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("zero price: err = %v", err)
	}
}

func TestOverviewValuesPositions(t *testing.T) {
	svc, db, _ := newService(t)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 60, 100)
	dbtest.SeedAsset(t, db, types.ItemTypeLoan, "loan-1", 100, 100)
	dbtest.SeedHolding(t, db, "user-1", types.ItemTypeProperty, "prop-1", 10, 50)
	dbtest.SeedHolding(t, db, "user-1", types.ItemTypeLoan, "loan-1", 4, 100)

	ov, err := svc.Overview(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ov.Positions) != 2 {
		t.Fatalf("positions = %d", len(ov.Positions))
	}
	if ov.TotalValue != 1000 || ov.TotalCostBasis != 900 || ov.UnrealizedGain != 100 {
		t.Fatalf("unexpected totals %+v", ov)
	}
	if ov.Allocation["real_estate"] != 0.6 || ov.Allocation["debt"] != 0.4 {
		t.Fatalf("unexpected allocation %v", ov.Allocation)
	}
}
