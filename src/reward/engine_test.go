package reward

import (
	"testing"
	"time"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/session"
	"github.com/blocklessnetwork/gateway/src/store"
)

func testEngine(t *testing.T) (*Engine, *store.InmemStore) {
	s := store.NewInmemStore()
	tracker := session.NewTracker(s, nil, session.DefaultConfig(), cm.NewTestEntry(t, "session"))
	e := NewEngine(s, tracker, DefaultConfig(), cm.NewTestEntry(t, "reward"))
	return e, s
}

func TestBoost(t *testing.T) {
	e, _ := testEngine(t)

	cases := []struct {
		user *store.User
		want float64
	}{
		{nil, 1.0},
		{&store.User{}, 1.0},
		{&store.User{TwitterConnected: true}, 1.05},
		{&store.User{RefBy: "CODE"}, 1.10},
		{&store.User{TwitterConnected: true, DiscordConnected: true}, 1.10},
		{&store.User{RefBy: "CODE", TwitterConnected: true}, 1.15},
		{&store.User{RefBy: "CODE", TwitterConnected: true, DiscordConnected: true}, 1.20},
	}

	for _, c := range cases {
		if got := e.Boost(c.user); got != c.want {
			t.Fatalf("Boost(%+v) = %v, want %v", c.user, got, c.want)
		}
	}
}

func TestProcessNodeRewards(t *testing.T) {
	e, s := testEngine(t)

	now := time.Now()
	e.now = func() time.Time { return now }

	err := s.PutUser(&store.User{
		ID:               "u1",
		RefBy:            "CODE",
		TwitterConnected: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	node, _, err := s.UpsertNode("u1", "pk1", store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSession(node.ID, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	ids, err := e.ProcessNodeRewards()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != node.ID {
		t.Fatalf("unexpected rewarded nodes %v", ids)
	}

	sum, err := s.SumRewards([]string{node.ID}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.BaseReward != 10 {
		t.Fatalf("unexpected base reward %v", sum.BaseReward)
	}
	// Referred owner with one social account: 10 * 1.15.
	if sum.TotalReward != 11.5 {
		t.Fatalf("unexpected total reward %v", sum.TotalReward)
	}
}

func TestProcessNodeRewardsReclaimsFirst(t *testing.T) {
	e, s := testEngine(t)

	now := time.Now()
	e.now = func() time.Time { return now }

	node, _, err := s.UpsertNode("u1", "pk1", store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}

	// Started 11 minutes ago and never pinged: reclaimed on the tick and
	// outside the activity window, so no reward.
	if _, err := s.CreateSession(node.ID, now.Add(-11*time.Minute)); err != nil {
		t.Fatal(err)
	}

	ids, err := e.ProcessNodeRewards()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no rewards, got %v", ids)
	}

	if _, err := s.OpenSession(node.ID); !cm.Is(err, cm.NotFound) {
		t.Fatal("dangling session must have been reclaimed before paying")
	}

	sum, err := s.SumRewards([]string{node.ID}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalReward != 0 {
		t.Fatalf("reclaimed node must not earn, got %v", sum.TotalReward)
	}
}

func TestProcessNodeRewardsUnknownOwner(t *testing.T) {
	e, s := testEngine(t)

	now := time.Now()
	e.now = func() time.Time { return now }

	// Owner u9 has no user record, and the public node has no owner at all.
	// Both earn the base multiplier.
	orphan, _, err := s.UpsertNode("u9", "pk1", store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}
	public, _, err := s.UpsertNode("", "pk2", store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []*store.Node{orphan, public} {
		if _, err := s.CreateSession(n.ID, now.Add(-time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := e.ProcessNodeRewards()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 rewarded nodes, got %v", ids)
	}

	sum, err := s.SumRewards(ids, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalReward != 20 {
		t.Fatalf("expected base reward for both, got %v", sum.TotalReward)
	}
}

func TestRunShutdown(t *testing.T) {
	e, _ := testEngine(t)
	e.conf.TickInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	e.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	// A second Shutdown must be safe.
	e.Shutdown()
}
