package earnings

import (
	"fmt"
	"testing"
	"time"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/store"
)

func testAggregator(t *testing.T) (*Aggregator, *store.InmemStore) {
	s := store.NewInmemStore()
	a := NewAggregator(s, cm.NewTestEntry(t, "earnings"))
	return a, s
}

func rewardAt(nodeID string, ts time.Time, base, total float64) *store.RewardEvent {
	return &store.RewardEvent{
		ID:          fmt.Sprintf("%s-%d", nodeID, ts.UnixNano()),
		NodeID:      nodeID,
		Timestamp:   ts,
		BaseReward:  base,
		TotalReward: total,
	}
}

func TestGetNodeEarningsDaily(t *testing.T) {
	a, s := testAggregator(t)

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	node, _, err := s.UpsertNode("u1", "pk1", store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}

	err = s.AppendRewards([]*store.RewardEvent{
		rewardAt(node.ID, now, 10, 11),
		rewardAt(node.ID, now.Add(time.Hour), 10, 11),
		rewardAt(node.ID, now.AddDate(0, 0, -3), 10, 10),
		// Outside the 15-day window, must not appear.
		rewardAt(node.ID, now.AddDate(0, 0, -20), 10, 10),
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := a.GetNodeEarnings("u1", "pk1", Daily)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != DailyPeriodDays {
		t.Fatalf("expected %d entries, got %d", DailyPeriodDays, len(entries))
	}
	if entries[0].Date != "2024-03-01" {
		t.Fatalf("expected series to start at 2024-03-01, got %s", entries[0].Date)
	}

	last := entries[len(entries)-1]
	if last.Date != "2024-03-15" || last.BaseReward != 20 || last.TotalReward != 22 {
		t.Fatalf("unexpected last entry %+v", last)
	}

	zeros := 0
	for _, e := range entries {
		if e.BaseReward == 0 && e.TotalReward == 0 {
			zeros++
		}
	}
	if zeros != DailyPeriodDays-2 {
		t.Fatalf("expected %d zero-filled entries, got %d", DailyPeriodDays-2, zeros)
	}
}

func TestGetUserEarningsMonthly(t *testing.T) {
	a, s := testAggregator(t)

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	n1, _, _ := s.UpsertNode("u1", "pk1", store.NodeData{})
	n2, _, _ := s.UpsertNode("u1", "pk2", store.NodeData{})

	err := s.AppendRewards([]*store.RewardEvent{
		rewardAt(n1.ID, now, 10, 11),
		rewardAt(n2.ID, now, 10, 12),
		rewardAt(n1.ID, now.AddDate(0, -2, 0), 10, 10),
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := a.GetUserEarnings("u1", Monthly)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != MonthlyPeriodMonths {
		t.Fatalf("expected %d entries, got %d", MonthlyPeriodMonths, len(entries))
	}
	if entries[0].Date != "2023-04" {
		t.Fatalf("expected series to start at 2023-04, got %s", entries[0].Date)
	}

	last := entries[len(entries)-1]
	// Both nodes roll up into the user's series.
	if last.Date != "2024-03" || last.TotalReward != 23 {
		t.Fatalf("unexpected last entry %+v", last)
	}
}

func TestGetNodeEarningsBadPeriod(t *testing.T) {
	a, s := testAggregator(t)

	if _, _, err := s.UpsertNode("u1", "pk1", store.NodeData{}); err != nil {
		t.Fatal(err)
	}

	_, err := a.GetNodeEarnings("u1", "pk1", Period("weekly"))
	if !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestGetUserOverview(t *testing.T) {
	a, s := testAggregator(t)

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	if err := s.PutUser(&store.User{ID: "u1", RefCode: "CODE-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutUser(&store.User{ID: "u2", RefBy: "CODE-1"}); err != nil {
		t.Fatal(err)
	}

	mine, _, _ := s.UpsertNode("u1", "pk1", store.NodeData{})
	theirs, _, _ := s.UpsertNode("u2", "pk2", store.NodeData{})

	err := s.AppendRewards([]*store.RewardEvent{
		rewardAt(mine.ID, now, 10, 12),
		rewardAt(mine.ID, now.AddDate(0, 0, -5), 10, 10),
		rewardAt(theirs.ID, now, 10, 11),
		rewardAt(theirs.ID, now.AddDate(0, 0, -5), 10, 11),
	})
	if err != nil {
		t.Fatal(err)
	}

	overview, err := a.GetUserOverview("u1")
	if err != nil {
		t.Fatal(err)
	}

	if overview.TodayBaseReward != 10 || overview.TodayTotalReward != 12 {
		t.Fatalf("unexpected today totals %+v", overview)
	}
	if overview.AllTimeBaseReward != 20 || overview.AllTimeTotalReward != 22 {
		t.Fatalf("unexpected all-time totals %+v", overview)
	}

	// Referral share comes off the referred user's base rewards, not their
	// boosted totals: 10% of 10 today, 10% of 20 all-time.
	if overview.TodayReferralsReward != 1 {
		t.Fatalf("unexpected today referral share %v", overview.TodayReferralsReward)
	}
	if overview.AllTimeReferralsReward != 2 {
		t.Fatalf("unexpected all-time referral share %v", overview.AllTimeReferralsReward)
	}
}

func TestGetUserOverviewNoRecord(t *testing.T) {
	a, s := testAggregator(t)

	if _, _, err := s.UpsertNode("u1", "pk1", store.NodeData{}); err != nil {
		t.Fatal(err)
	}

	// No user record: node earnings still roll up, referral share is zero.
	overview, err := a.GetUserOverview("u1")
	if err != nil {
		t.Fatal(err)
	}
	if overview.AllTimeReferralsReward != 0 {
		t.Fatalf("expected zero referral share, got %v", overview.AllTimeReferralsReward)
	}
}

func TestGetUserReferrals(t *testing.T) {
	a, s := testAggregator(t)

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	if err := s.PutUser(&store.User{ID: "u1", RefCode: "CODE-1", RefBy: "CODE-0"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutUser(&store.User{ID: "u2", RefBy: "CODE-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutUser(&store.User{ID: "u3", RefBy: "CODE-1"}); err != nil {
		t.Fatal(err)
	}

	n2, _, _ := s.UpsertNode("u2", "pk2", store.NodeData{})

	if err := s.AppendRewards([]*store.RewardEvent{rewardAt(n2.ID, now, 10, 11)}); err != nil {
		t.Fatal(err)
	}

	referrals, err := a.GetUserReferrals("u1")
	if err != nil {
		t.Fatal(err)
	}

	if !referrals.IsReferred || referrals.RefCode != "CODE-1" {
		t.Fatalf("unexpected referral header %+v", referrals)
	}
	if len(referrals.Referrals) != 2 {
		t.Fatalf("expected 2 referred users, got %d", len(referrals.Referrals))
	}
	if referrals.TotalReferralTime != 1 {
		t.Fatalf("unexpected referral time %v", referrals.TotalReferralTime)
	}
}

func TestGetUserLeaderboard(t *testing.T) {
	a, s := testAggregator(t)

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	events := []*store.RewardEvent{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("u%d", i+1)
		if err := s.PutUser(&store.User{ID: id}); err != nil {
			t.Fatal(err)
		}
		node, _, err := s.UpsertNode(id, fmt.Sprintf("pk%d", i+1), store.NodeData{})
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, rewardAt(node.ID, now, 10, float64(10*(i+1))))
	}
	if err := s.AppendRewards(events); err != nil {
		t.Fatal(err)
	}

	board, err := a.GetUserLeaderboard("u1")
	if err != nil {
		t.Fatal(err)
	}

	if board.TotalUsers != 3 {
		t.Fatalf("expected 3 users, got %d", board.TotalUsers)
	}
	if len(board.Leaderboard) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(board.Leaderboard))
	}

	top := board.Leaderboard[0]
	if top.Address != "u3" || top.Rank != 1 || top.TotalTime != 30 {
		t.Fatalf("unexpected top row %+v", top)
	}

	// u1 earned least, so the caller ranks last.
	if board.Rank != 3 {
		t.Fatalf("expected caller rank 3, got %d", board.Rank)
	}
	if !board.Leaderboard[2].IsCurrentUser {
		t.Fatal("caller's row must be flagged")
	}
}
