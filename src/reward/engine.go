// Package reward implements the periodic reward engine. On every tick it
// reclaims dangling sessions, collects the nodes still active inside the
// activity window, and appends one reward event per active node with the
// owner's referral/social boost applied.
package reward

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/session"
	"github.com/blocklessnetwork/gateway/src/store"
)

// Reference reward policy. The reclaim threshold is deliberately tighter
// than the activity window: a node is force-closed after 2 minutes of
// silence but keeps earning for up to 10 minutes, which gives flapping nodes
// a grace period without letting dead sessions linger.
const (
	DefaultBaseReward     = 10.0
	DefaultReferralBoost  = 0.10
	DefaultSocialBoost    = 0.05
	DefaultActivityWindow = 10 * time.Minute
	DefaultReclaimAfter   = 2 * time.Minute
	DefaultTickInterval   = 10 * time.Minute
)

// Config ...
type Config struct {
	// BaseReward is the fixed amount paid per tick per active node.
	BaseReward float64

	// ReferralBoost is added to the multiplier when the node owner was
	// referred by another user.
	ReferralBoost float64

	// SocialBoost is added to the multiplier once per connected social
	// account.
	SocialBoost float64

	// ActivityWindow is how far back a heartbeat may be for the node to
	// still count as active.
	ActivityWindow time.Duration

	// ReclaimAfter is the heartbeat silence after which an open session is
	// forcibly closed. It is independent from ActivityWindow.
	ReclaimAfter time.Duration

	// TickInterval is the period of the in-process scheduler.
	TickInterval time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		BaseReward:     DefaultBaseReward,
		ReferralBoost:  DefaultReferralBoost,
		SocialBoost:    DefaultSocialBoost,
		ActivityWindow: DefaultActivityWindow,
		ReclaimAfter:   DefaultReclaimAfter,
		TickInterval:   DefaultTickInterval,
	}
}

// Engine is the periodic reward processor.
type Engine struct {
	store   store.Store
	tracker *session.Tracker
	conf    Config
	logger  *logrus.Entry

	now          func() time.Time
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewEngine ...
func NewEngine(s store.Store, tracker *session.Tracker, conf Config, logger *logrus.Entry) *Engine {
	return &Engine{
		store:      s,
		tracker:    tracker,
		conf:       conf,
		logger:     logger,
		now:        time.Now,
		shutdownCh: make(chan struct{}),
	}
}

// Boost computes the reward multiplier for a node owner. A node without an
// owner, or an owner the store does not know, earns the base multiplier.
// The increments are accumulated in integer basis points and converted once,
// so stacked boosts always land on exact values like 1.15 instead of
// drifting (1.0 + 0.10 + 0.05 != 1.15 in float64).
func (e *Engine) Boost(user *store.User) float64 {
	bps := 10000

	if user == nil {
		return 1.0
	}

	if user.RefBy != "" {
		bps += basisPoints(e.conf.ReferralBoost)
	}
	if user.TwitterConnected {
		bps += basisPoints(e.conf.SocialBoost)
	}
	if user.DiscordConnected {
		bps += basisPoints(e.conf.SocialBoost)
	}

	return float64(bps) / 10000
}

// basisPoints converts a boost fraction to integer basis points. Configured
// boosts finer than 0.01% are rounded.
func basisPoints(fraction float64) int {
	return int(math.Round(fraction * 10000))
}

// ProcessNodeRewards runs one reward tick and returns the identifiers of the
// nodes that were rewarded. Any failure propagates to the caller so the
// scheduler can alert and retry; the tick never partially commits reward
// events because the store appends them all-or-nothing.
func (e *Engine) ProcessNodeRewards() ([]string, error) {
	if _, err := e.tracker.ReclaimDangling(e.conf.ReclaimAfter); err != nil {
		return nil, err
	}

	now := e.now()

	ids, err := e.store.ActiveNodeIDs(now.Add(-e.conf.ActivityWindow))
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []string{}, nil
	}

	boosts := make([]float64, len(ids))

	g := new(errgroup.Group)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			node, err := e.store.GetNodeByID(id)
			if err != nil {
				return err
			}
			boosts[i] = e.Boost(e.lookupUser(node.UserID))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	events := make([]*store.RewardEvent, len(ids))
	for i, id := range ids {
		events[i] = &store.RewardEvent{
			ID:          newEventID(),
			NodeID:      id,
			Timestamp:   now,
			Boost:       boosts[i],
			BaseReward:  e.conf.BaseReward,
			TotalReward: e.conf.BaseReward * boosts[i],
		}
	}

	if err := e.store.AppendRewards(events); err != nil {
		return nil, err
	}

	e.logger.WithField("nodes", len(ids)).Info("Processed node rewards")

	return ids, nil
}

func (e *Engine) lookupUser(userID string) *store.User {
	if userID == "" {
		return nil
	}

	user, err := e.store.GetUser(userID)
	if err != nil {
		if !cm.Is(err, cm.NotFound) {
			e.logger.WithError(err).WithField("user_id", userID).Warn("User lookup failed, paying base reward")
		}
		return nil
	}

	return user
}

// Run drives the tick loop until Shutdown is called. This is a blocking
// call. A failed tick is logged and the loop keeps going; retrying is the
// next tick's job.
func (e *Engine) Run() {
	e.logger.WithField("interval", e.conf.TickInterval).Debug("Starting reward engine")

	for {
		select {
		case <-time.After(e.conf.TickInterval):
			if _, err := e.ProcessNodeRewards(); err != nil {
				e.logger.WithError(err).Error("Reward tick failed")
			}
		case <-e.shutdownCh:
			e.logger.Debug("Reward engine stopped")
			return
		}
	}
}

// Shutdown stops the Run loop.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})
}
