// Package session manages the open/closed session lifecycle of a node: one
// active session per node, heartbeat tracking through a durable queue, and
// reclamation of sessions whose heartbeat has gone stale.
package session

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/queue"
	"github.com/blocklessnetwork/gateway/src/store"
)

// Default node-lookup cache policy for the ping path.
const (
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 10000
)

// Config ...
type Config struct {
	CacheTTL  time.Duration
	CacheSize int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		CacheTTL:  DefaultCacheTTL,
		CacheSize: DefaultCacheSize,
	}
}

// PingMeta carries the optional attributes of a heartbeat.
type PingMeta struct {
	IsConnected bool
}

// PingJob is the queued payload of a heartbeat.
type PingJob struct {
	NodeID      string
	Timestamp   time.Time
	IsConnected bool
}

// Marshal - canonical json encoding of PingJob
func (j *PingJob) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(j); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (j *PingJob) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(j)
}

// Tracker drives the session state machine. The pings queue is optional;
// with a nil queue heartbeats are written synchronously.
type Tracker struct {
	store  store.Store
	pings  queue.Queue
	cache  *cm.TTLCache
	logger *logrus.Entry
	now    func() time.Time
}

// NewTracker ...
func NewTracker(s store.Store, pings queue.Queue, conf Config, logger *logrus.Entry) *Tracker {
	return &Tracker{
		store:  s,
		pings:  pings,
		cache:  cm.NewTTLCache(conf.CacheTTL, conf.CacheSize),
		logger: logger,
		now:    time.Now,
	}
}

// StartSession opens a new session for the node. Any session still open for
// the node is force-closed first, so a missed close never leaves two open
// sessions behind.
func (t *Tracker) StartSession(userID, pubKey string) (*store.Session, error) {
	node, err := t.store.GetNode(userID, pubKey)
	if err != nil {
		return nil, err
	}

	session, err := t.store.CreateSession(node.ID, t.now())
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"pub_key": pubKey,
		"session": session.ID,
	}).Debug("Started session")

	return session, nil
}

// EndSession closes the node's open session. Ending a node with no open
// session is a no-op success, which keeps the operation idempotent.
func (t *Tracker) EndSession(userID, pubKey string) (*store.Session, error) {
	node, err := t.store.GetNode(userID, pubKey)
	if err != nil {
		return nil, err
	}

	session, err := t.store.OpenSession(node.ID)
	if err != nil {
		if cm.Is(err, cm.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	endAt := t.now()
	if _, err := t.store.CloseOpenSessions(node.ID, endAt); err != nil {
		return nil, err
	}

	session.EndAt = &endAt

	t.logger.WithFields(logrus.Fields{
		"pub_key": pubKey,
		"session": session.ID,
	}).Debug("Ended session")

	return session, nil
}

// PingSession records a heartbeat for the node. The node lookup is served
// through the TTL cache to keep ping storms off the store, and the write is
// queued. A ping for a node with no open session is queued regardless and
// lands as a no-op; session-state validation on the ping path is deliberately
// skipped.
func (t *Tracker) PingSession(userID, pubKey string, meta PingMeta) error {
	node, err := t.resolveNode(userID, pubKey)
	if err != nil {
		return err
	}

	job := PingJob{
		NodeID:      node.ID,
		Timestamp:   t.now(),
		IsConnected: meta.IsConnected,
	}

	if t.pings != nil {
		payload, err := job.Marshal()
		if err != nil {
			return err
		}

		if err := t.pings.Enqueue(payload); err == nil {
			return nil
		}

		t.logger.Warn("Ping queue write failed, falling back to direct database write")
	}

	return t.store.RecordPing(job.NodeID, job.Timestamp)
}

func (t *Tracker) resolveNode(userID, pubKey string) (*store.Node, error) {
	key := userID + "_" + pubKey

	if cached, ok := t.cache.Get(key); ok {
		return cached.(*store.Node), nil
	}

	node, err := t.store.GetNode(userID, pubKey)
	if err != nil {
		return nil, err
	}

	t.cache.Set(key, node)

	return node, nil
}

// HandlePing is the queue consumer handler.
func (t *Tracker) HandlePing(payload []byte) error {
	job := PingJob{}
	if err := job.Unmarshal(payload); err != nil {
		return err
	}

	return t.store.RecordPing(job.NodeID, job.Timestamp)
}

// ReclaimDangling closes every open session whose heartbeat has been silent
// for longer than staleAfter. A session that never pinged is judged by its
// start timestamp. This is what converts heartbeat silence into "session
// ended" without an explicit end call.
func (t *Tracker) ReclaimDangling(staleAfter time.Duration) (int, error) {
	now := t.now()
	cutoff := now.Add(-staleAfter)

	closed, err := t.store.CloseStaleSessions(cutoff, now)
	if err != nil {
		return 0, err
	}

	if closed > 0 {
		t.logger.WithField("count", closed).Info("Reclaimed dangling sessions")
	}

	return closed, nil
}
