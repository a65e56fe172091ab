// Package earnings is the read side of the reward subsystem: it rolls up
// reward events into dense daily/monthly series, per-user overviews,
// referral summaries and the leaderboard. It never mutates core state.
package earnings

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/store"
)

// Period selects the earnings bucket size.
type Period string

const (
	// Daily buckets earnings per calendar day.
	Daily Period = "daily"
	// Monthly buckets earnings per calendar month.
	Monthly Period = "monthly"
)

const (
	// DailyPeriodDays is the fixed length of the daily series, today
	// inclusive.
	DailyPeriodDays = 15
	// MonthlyPeriodMonths is the fixed length of the monthly series, the
	// current month inclusive.
	MonthlyPeriodMonths = 12
	// ReferralShare is the fraction of referred users' base rewards credited
	// to the referrer.
	ReferralShare = 0.10
	// LeaderboardLimit is how many rows the leaderboard returns.
	LeaderboardLimit = 100

	dailyLayout   = "2006-01-02"
	monthlyLayout = "2006-01"
)

// Entry is one bucket of an earnings series.
type Entry struct {
	Date        string  `json:"date"`
	BaseReward  float64 `json:"baseReward"`
	TotalReward float64 `json:"totalReward"`
}

// Overview is the today / all-time rollup for one user.
type Overview struct {
	TodayBaseReward        float64 `json:"todayBaseReward"`
	TodayTotalReward       float64 `json:"todayTotalReward"`
	TodayReferralsReward   float64 `json:"todayReferralsReward"`
	AllTimeBaseReward      float64 `json:"allTimeBaseReward"`
	AllTimeTotalReward     float64 `json:"allTimeTotalReward"`
	AllTimeReferralsReward float64 `json:"allTimeReferralsReward"`
}

// ReferralEntry is one referred user with their accumulated reward time.
type ReferralEntry struct {
	User      string  `json:"user"`
	TotalTime float64 `json:"totalTime"`
}

// Referrals summarises a user's referral standing.
type Referrals struct {
	IsReferred        bool            `json:"isReferred"`
	RefCode           string          `json:"refCode"`
	Referrals         []ReferralEntry `json:"referrals"`
	TodayReferralTime float64         `json:"todayReferralTime"`
	TotalReferralTime float64         `json:"totalReferralTime"`
}

// LeaderboardRow is one ranked user.
type LeaderboardRow struct {
	Address       string  `json:"address"`
	TotalTime     float64 `json:"totalTime"`
	TodayTime     float64 `json:"todayTime"`
	Rank          int     `json:"rank"`
	IsCurrentUser bool    `json:"isCurrentUser"`
}

// Leaderboard is the ranked view plus the requesting user's own position.
type Leaderboard struct {
	Rank        int              `json:"rank"`
	TotalUsers  int              `json:"totalUsers"`
	Leaderboard []LeaderboardRow `json:"leaderboard"`
}

// Aggregator answers earnings queries from persisted session/reward data.
type Aggregator struct {
	store  store.Store
	logger *logrus.Entry
	now    func() time.Time
}

// NewAggregator ...
func NewAggregator(s store.Store, logger *logrus.Entry) *Aggregator {
	return &Aggregator{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// GetNodeEarnings returns the dense earnings series for one node.
func (a *Aggregator) GetNodeEarnings(userID, pubKey string, period Period) ([]Entry, error) {
	node, err := a.store.GetNode(userID, pubKey)
	if err != nil {
		return nil, err
	}

	return a.series([]string{node.ID}, period)
}

// GetUserEarnings returns the dense earnings series across all of a user's
// nodes.
func (a *Aggregator) GetUserEarnings(userID string, period Period) ([]Entry, error) {
	ids, err := a.nodeIDs(userID)
	if err != nil {
		return nil, err
	}

	return a.series(ids, period)
}

func (a *Aggregator) nodeIDs(userID string) ([]string, error) {
	nodes, err := a.store.NodesByUser(userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}

	return ids, nil
}

func (a *Aggregator) series(nodeIDs []string, period Period) ([]Entry, error) {
	var from time.Time
	var layout string

	now := a.now().UTC()

	switch period {
	case Daily:
		from = startOfDay(now).AddDate(0, 0, -(DailyPeriodDays - 1))
		layout = dailyLayout
	case Monthly:
		from = startOfMonth(now).AddDate(0, -(MonthlyPeriodMonths - 1), 0)
		layout = monthlyLayout
	default:
		return nil, cm.NewError("earnings", cm.ValidationError, string(period))
	}

	sums, err := a.store.SumRewardsByDate(nodeIDs, from, layout)
	if err != nil {
		return nil, err
	}

	return fillMissingDates(sums, period, now), nil
}

// fillMissingDates walks every calendar bucket from the start of the period
// to today inclusive, substituting zero-valued entries for buckets with no
// activity. The output length is always fixed regardless of how many buckets
// actually earned.
func fillMissingDates(sums map[string]store.RewardSum, period Period, now time.Time) []Entry {
	entries := []Entry{}

	if period == Daily {
		today := startOfDay(now)
		for i := DailyPeriodDays - 1; i >= 0; i-- {
			date := today.AddDate(0, 0, -i).Format(dailyLayout)
			sum := sums[date]
			entries = append(entries, Entry{
				Date:        date,
				BaseReward:  sum.BaseReward,
				TotalReward: sum.TotalReward,
			})
		}
		return entries
	}

	month := startOfMonth(now)
	for i := MonthlyPeriodMonths - 1; i >= 0; i-- {
		date := month.AddDate(0, -i, 0).Format(monthlyLayout)
		sum := sums[date]
		entries = append(entries, Entry{
			Date:        date,
			BaseReward:  sum.BaseReward,
			TotalReward: sum.TotalReward,
		})
	}

	return entries
}

// GetUserOverview returns today and all-time reward totals for a user's
// nodes, plus the referral share earned from referred users' nodes. The
// referral share is computed from base rewards only, so one user's boost
// never compounds into another's.
func (a *Aggregator) GetUserOverview(userID string) (*Overview, error) {
	ids, err := a.nodeIDs(userID)
	if err != nil {
		return nil, err
	}

	today := startOfDay(a.now())

	todaySum, err := a.store.SumRewards(ids, today, time.Time{})
	if err != nil {
		return nil, err
	}

	allSum, err := a.store.SumRewards(ids, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	overview := &Overview{
		TodayBaseReward:    todaySum.BaseReward,
		TodayTotalReward:   todaySum.TotalReward,
		AllTimeBaseReward:  allSum.BaseReward,
		AllTimeTotalReward: allSum.TotalReward,
	}

	refIDs, err := a.referredNodeIDs(userID)
	if err != nil {
		return nil, err
	}

	if len(refIDs) > 0 {
		refToday, err := a.store.SumRewards(refIDs, today, time.Time{})
		if err != nil {
			return nil, err
		}

		refAll, err := a.store.SumRewards(refIDs, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}

		overview.TodayReferralsReward = refToday.BaseReward * ReferralShare
		overview.AllTimeReferralsReward = refAll.BaseReward * ReferralShare
	}

	return overview, nil
}

// referredNodeIDs collects the node identifiers of every user referred by
// the given user. A user without a record or referral code has none.
func (a *Aggregator) referredNodeIDs(userID string) ([]string, error) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		if cm.Is(err, cm.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	referred, err := a.store.UsersReferredBy(user.RefCode)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, ru := range referred {
		ruIDs, err := a.nodeIDs(ru.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ruIDs...)
	}

	return ids, nil
}

// GetUserReferrals lists the users who signed up with this user's referral
// code, each annotated with their own accumulated reward time.
func (a *Aggregator) GetUserReferrals(userID string) (*Referrals, error) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		return nil, err
	}

	referred, err := a.store.UsersReferredBy(user.RefCode)
	if err != nil {
		return nil, err
	}

	result := &Referrals{
		IsReferred: user.RefBy != "",
		RefCode:    user.RefCode,
		Referrals:  []ReferralEntry{},
	}

	refIDs := []string{}
	for _, ru := range referred {
		ids, err := a.nodeIDs(ru.ID)
		if err != nil {
			return nil, err
		}
		refIDs = append(refIDs, ids...)

		sum, err := a.store.SumRewards(ids, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}

		result.Referrals = append(result.Referrals, ReferralEntry{
			User:      ru.ID,
			TotalTime: sum.TotalReward,
		})
	}

	if len(refIDs) > 0 {
		today, err := a.store.SumRewards(refIDs, startOfDay(a.now()), time.Time{})
		if err != nil {
			return nil, err
		}

		all, err := a.store.SumRewards(refIDs, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}

		result.TodayReferralTime = today.BaseReward * ReferralShare
		result.TotalReferralTime = all.BaseReward * ReferralShare
	}

	return result, nil
}

// GetUserLeaderboard ranks every user by total reward across their nodes and
// returns the top rows, always including the requesting user's own row even
// when it falls outside the cut.
func (a *Aggregator) GetUserLeaderboard(userID string) (*Leaderboard, error) {
	users, err := a.store.AllUsers()
	if err != nil {
		return nil, err
	}

	today := startOfDay(a.now())

	rows := make([]LeaderboardRow, 0, len(users))
	for _, user := range users {
		ids, err := a.nodeIDs(user.ID)
		if err != nil {
			return nil, err
		}

		all, err := a.store.SumRewards(ids, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}

		todaySum, err := a.store.SumRewards(ids, today, time.Time{})
		if err != nil {
			return nil, err
		}

		rows = append(rows, LeaderboardRow{
			Address:       user.ID,
			TotalTime:     all.TotalReward,
			TodayTime:     todaySum.TotalReward,
			IsCurrentUser: strings.EqualFold(user.ID, userID),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalTime != rows[j].TotalTime {
			return rows[i].TotalTime > rows[j].TotalTime
		}
		return rows[i].Address < rows[j].Address
	})

	result := &Leaderboard{
		TotalUsers:  len(rows),
		Leaderboard: []LeaderboardRow{},
	}

	for i := range rows {
		rows[i].Rank = i + 1
		if rows[i].IsCurrentUser {
			result.Rank = rows[i].Rank
		}
		if rows[i].Rank <= LeaderboardLimit {
			result.Leaderboard = append(result.Leaderboard, rows[i])
		}
	}

	if result.Rank > LeaderboardLimit {
		result.Leaderboard = append(result.Leaderboard, rows[result.Rank-1])
	}

	return result, nil
}
