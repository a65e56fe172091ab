// Package gateway is the composition root: it wires the store, queues and
// core components together according to configuration, and owns their
// lifecycle.
package gateway

import (
	"github.com/sirupsen/logrus"

	"github.com/blocklessnetwork/gateway/src/config"
	"github.com/blocklessnetwork/gateway/src/earnings"
	"github.com/blocklessnetwork/gateway/src/queue"
	"github.com/blocklessnetwork/gateway/src/registry"
	"github.com/blocklessnetwork/gateway/src/reward"
	"github.com/blocklessnetwork/gateway/src/service"
	"github.com/blocklessnetwork/gateway/src/session"
	"github.com/blocklessnetwork/gateway/src/store"
)

// Queue names, kept stable so jobs survive gateway restarts.
const (
	NodeQueueName = "node-registrations"
	PingQueueName = "node-pings"
)

// Gateway ties the control-plane components together.
type Gateway struct {
	Config    *config.Config
	Store     store.Store
	NodeQueue queue.Queue
	PingQueue queue.Queue
	Registry  *registry.Registry
	Tracker   *session.Tracker
	Engine    *reward.Engine
	Earnings  *earnings.Aggregator
	Service   *service.Service

	logger *logrus.Entry
}

// NewGateway ...
func NewGateway(conf *config.Config) *Gateway {
	return &Gateway{
		Config: conf,
		logger: conf.Logger(),
	}
}

// Init instantiates the store, queues and components. It must be called
// before Run.
func (g *Gateway) Init() error {
	if err := g.initStore(); err != nil {
		return err
	}

	g.initQueues()
	g.initComponents()
	g.initService()

	return nil
}

func (g *Gateway) initStore() error {
	if !g.Config.Store {
		g.Store = store.NewInmemStore()

		g.logger.Debug("created new in-mem store")

		return nil
	}

	g.logger.WithField("path", g.Config.DatabaseDir).Debug("Attempting to load or create database")

	badgerStore, err := store.LoadOrCreateBadgerStore(g.Config.DatabaseDir)
	if err != nil {
		return err
	}

	if badgerStore.NeedBootstrap() {
		g.logger.Debug("loaded badger store from existing database")
	} else {
		g.logger.Debug("created new badger store from fresh database")
	}

	g.Store = badgerStore

	return nil
}

// initQueues builds the registration and ping queues. With no broker
// configured, or a broker that cannot be reached, the queues run in-process;
// individual writes still degrade to direct database writes when Enqueue
// fails, so durability never depends on the broker being up.
func (g *Gateway) initQueues() {
	qconf := queue.Config{
		Attempts: g.Config.QueueAttempts,
		Backoff:  g.Config.QueueBackoff,
	}

	logger := g.Config.LoggerWithPrefix("queue")

	if g.Config.RedisAddr != "" {
		nodeQueue, err := queue.NewRedisQueue(NodeQueueName, g.Config.RedisAddr, qconf, logger)
		if err == nil {
			pingQueue, perr := queue.NewRedisQueue(PingQueueName, g.Config.RedisAddr, qconf, logger)
			if perr == nil {
				g.NodeQueue = nodeQueue
				g.PingQueue = pingQueue
				return
			}
			nodeQueue.Close()
			err = perr
		}

		g.logger.WithError(err).Warn("Redis broker unreachable, using in-process queues")
	}

	g.NodeQueue = queue.NewInmemQueue(NodeQueueName, qconf, logger)
	g.PingQueue = queue.NewInmemQueue(PingQueueName, qconf, logger)
}

func (g *Gateway) initComponents() {
	g.Registry = registry.New(
		g.Store,
		g.NodeQueue,
		registry.Config{MaxNodesPerUser: g.Config.MaxNodesPerUser},
		g.Config.LoggerWithPrefix("registry"),
	)

	g.Tracker = session.NewTracker(
		g.Store,
		g.PingQueue,
		session.Config{
			CacheTTL:  g.Config.CacheTTL,
			CacheSize: g.Config.CacheSize,
		},
		g.Config.LoggerWithPrefix("session"),
	)

	g.Engine = reward.NewEngine(
		g.Store,
		g.Tracker,
		reward.Config{
			BaseReward:     g.Config.BaseReward,
			ReferralBoost:  g.Config.ReferralBoost,
			SocialBoost:    g.Config.SocialBoost,
			ActivityWindow: g.Config.ActivityWindow,
			ReclaimAfter:   g.Config.ReclaimAfter,
			TickInterval:   g.Config.RewardInterval,
		},
		g.Config.LoggerWithPrefix("reward"),
	)

	g.Earnings = earnings.NewAggregator(g.Store, g.Config.LoggerWithPrefix("earnings"))

	g.NodeQueue.Start(g.Registry.HandleRegistration)
	g.PingQueue.Start(g.Tracker.HandlePing)
}

func (g *Gateway) initService() {
	g.Service = service.NewService(
		g.Config.ServiceAddr,
		g.Registry,
		g.Tracker,
		g.Engine,
		g.Earnings,
		g.Config.LoggerWithPrefix("service"),
	)
}

// Run serves the HTTP API and drives the reward engine. This is a blocking
// call; it returns after Shutdown.
func (g *Gateway) Run() {
	go g.Service.Serve()

	g.Engine.Run()
}

// Shutdown stops the reward engine, drains the queues and closes the store.
func (g *Gateway) Shutdown() {
	g.logger.Debug("Gateway shutting down")

	g.Engine.Shutdown()

	if err := g.NodeQueue.Close(); err != nil {
		g.logger.WithError(err).Error("Closing node queue")
	}
	if err := g.PingQueue.Close(); err != nil {
		g.logger.WithError(err).Error("Closing ping queue")
	}

	if err := g.Store.Close(); err != nil {
		g.logger.WithError(err).Error("Closing store")
	}
}
