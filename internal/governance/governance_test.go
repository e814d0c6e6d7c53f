package governance_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/blineit-api/internal/database/dbtest"
	"github.com/ksred/blineit-api/internal/governance"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
)

func setup(t *testing.T) (*governance.Service, *governance.Proposal) {
	t.Helper()
	db := dbtest.New(t)
	broker := realtime.NewBroker()
	t.Cleanup(broker.Shutdown)
	dbtest.SeedAsset(t, db, types.ItemTypeProperty, "prop-1", 50, 1000)
	dbtest.SeedHolding(t, db, "alice", types.ItemTypeProperty, "prop-1", 40, 50)
	dbtest.SeedHolding(t, db, "bob", types.ItemTypeProperty, "prop-1", 25, 50)
	dbtest.SeedHolding(t, db, "carol", types.ItemTypeProperty, "prop-1", 10, 50)

	svc := governance.NewService(db, broker)
	p, err := svc.CreateProposal(context.Background(), "operator", governance.CreateProposalRequest{
		ItemType: types.ItemTypeProperty,
		ItemID:   "prop-1",
		Title:    "Replace the roof",
		EndsAt:   time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return svc, p
}

func TestCastVoteWeightsAndTally(t *testing.T) {
	svc, p := setup(t)
	ctx := context.Background()

	if _, err := svc.Delegate(ctx, "carol", governance.DelegateRequest{
		ItemType: types.ItemTypeProperty, ItemID: "prop-1", DelegateID: "bob",
	}); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	v, err := svc.CastVote(ctx, "bob", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceFor})
	if err != nil {
		t.Fatalf("bob vote: %v", err)
	}
	if v.Weight != 35 {
		t.Fatalf("bob weight = %v, want own 25 + delegated 10", v.Weight)
	}

	if _, err := svc.CastVote(ctx, "carol", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceAgainst}); err != governance.ErrDelegated {
		t.Fatalf("delegator vote: err = %v, want ErrDelegated", err)
	}

	if _, err := svc.CastVote(ctx, "alice", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceAgainst}); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, "alice", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceFor}); err != governance.ErrAlreadyVoted {
		t.Fatalf("second vote: err = %v, want ErrAlreadyVoted", err)
	}

	r, err := svc.Results(ctx, p.ProposalID)
	if err != nil {
		t.Fatal(err)
	}
	if r.For != 35 || r.Against != 40 || r.TotalWeight != 75 || r.VoterCount != 2 || r.Outcome != "failing" {
		t.Fatalf("results %+v", r)
	}
}

func TestCastVoteRejections(t *testing.T) {
	svc, p := setup(t)
	ctx := context.Background()

	if _, err := svc.CastVote(ctx, "alice", p.ProposalID, governance.CastVoteRequest{Choice: "maybe"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad choice: err = %v", err)
	}
	if _, err := svc.CastVote(ctx, "nobody", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceFor}); err != governance.ErrNoVotingPower {
		t.Fatalf("no holdings: err = %v", err)
	}
	if _, err := svc.CastVote(ctx, "alice", "missing", governance.CastVoteRequest{Choice: governance.ChoiceFor}); err != governance.ErrProposalNotFound {
		t.Fatalf("missing proposal: err = %v", err)
	}
}

func TestDelegationRules(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	req := func(delegate string) governance.DelegateRequest {
		return governance.DelegateRequest{ItemType: types.ItemTypeProperty, ItemID: "prop-1", DelegateID: delegate}
	}

	if _, err := svc.Delegate(ctx, "alice", req("alice")); err != governance.ErrSelfDelegation {
		t.Fatalf("self: err = %v", err)
	}
	if _, err := svc.Delegate(ctx, "carol", req("bob")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Delegate(ctx, "alice", req("carol")); err != governance.ErrDelegationChain {
		t.Fatalf("to a delegator: err = %v", err)
	}
	if _, err := svc.Delegate(ctx, "bob", req("alice")); err != governance.ErrDelegationChain {
		t.Fatalf("delegate forwarding: err = %v", err)
	}

	if _, err := svc.Delegate(ctx, "carol", req("")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ds, err := svc.Delegations(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 0 {
		t.Fatalf("delegations after revoke %+v", ds)
	}
}

func TestDelegationLockedWhileVoteCounts(t *testing.T) {
	svc, p := setup(t)
	ctx := context.Background()
	toBob := governance.DelegateRequest{ItemType: types.ItemTypeProperty, ItemID: "prop-1", DelegateID: "bob"}

	if _, err := svc.CastVote(ctx, "alice", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceFor}); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := svc.Delegate(ctx, "alice", toBob); err != governance.ErrDelegationLocked {
		t.Fatalf("delegate after voting: err = %v, want ErrDelegationLocked", err)
	}

	if _, err := svc.Delegate(ctx, "carol", toBob); err != nil {
		t.Fatalf("carol delegate: %v", err)
	}
	v, err := svc.CastVote(ctx, "bob", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceFor})
	if err != nil {
		t.Fatalf("bob vote: %v", err)
	}
	if v.Weight != 35 {
		t.Fatalf("bob weight = %v, want own 25 + carol 10", v.Weight)
	}
	if _, err := svc.Delegate(ctx, "carol", governance.DelegateRequest{ItemType: types.ItemTypeProperty, ItemID: "prop-1"}); err != governance.ErrDelegationLocked {
		t.Fatalf("revoke after delegate voted: err = %v, want ErrDelegationLocked", err)
	}
	if _, err := svc.CastVote(ctx, "carol", p.ProposalID, governance.CastVoteRequest{Choice: governance.ChoiceAgainst}); err != governance.ErrDelegated {
		t.Fatalf("carol vote: err = %v, want ErrDelegated", err)
	}

	r, err := svc.Results(ctx, p.ProposalID)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalWeight != 75 || r.For != 75 || r.VoterCount != 2 {
		t.Fatalf("results %+v, want every held token counted once", r)
	}
}

func TestTallyClosedAfterEnd(t *testing.T) {
	p := &governance.Proposal{ProposalID: "p", Status: governance.StatusActive, EndsAt: time.Now().Add(-time.Minute)}
	r := governance.Tally(p, []governance.Vote{
		{Choice: governance.ChoiceFor, Weight: 5},
		{Choice: governance.ChoiceAgainst, Weight: 5},
		{Choice: governance.ChoiceAbstain, Weight: 2},
	}, time.Now())
	if r.Status != governance.StatusClosed || r.Outcome != "tied" || r.TotalWeight != 12 {
		t.Fatalf("tally %+v", r)
	}
}
