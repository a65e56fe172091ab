package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cm "github.com/blocklessnetwork/gateway/src/common"
)

// InmemStore implements the Store interface with plain in-memory maps guarded
// by a single mutex. It backs tests and broker-less deployments, and serves
// as the read index inside BadgerStore.
type InmemStore struct {
	sync.RWMutex

	nodes          map[string]*Node    // node ID => Node
	nodeIndex      map[string]string   // (userID, pubKey) => node ID
	sessions       map[string]*Session // session ID => Session
	sessionsByNode map[string][]string // node ID => session IDs
	rewards        []*RewardEvent
	users          map[string]*User // lowercased user ID => User
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		nodes:          make(map[string]*Node),
		nodeIndex:      make(map[string]string),
		sessions:       make(map[string]*Session),
		sessionsByNode: make(map[string][]string),
		users:          make(map[string]*User),
	}
}

// User identifiers are public wallet addresses; matching is case-insensitive
// like the reference store.
func nodeKey(userID, pubKey string) string {
	return strings.ToLower(userID) + "_" + pubKey
}

func copyNode(n *Node) *Node {
	c := *n
	return &c
}

func copySession(s *Session) *Session {
	c := *s
	if s.EndAt != nil {
		t := *s.EndAt
		c.EndAt = &t
	}
	if s.LastPingAt != nil {
		t := *s.LastPingAt
		c.LastPingAt = &t
	}
	c.Pings = append([]PingRecord(nil), s.Pings...)
	return &c
}

// UpsertNode implements the Store interface.
func (s *InmemStore) UpsertNode(userID, pubKey string, data NodeData) (*Node, bool, error) {
	s.Lock()
	defer s.Unlock()

	now := time.Now()

	if id, ok := s.nodeIndex[nodeKey(userID, pubKey)]; ok {
		node := s.nodes[id]
		if data.IPAddress != "" {
			node.IPAddress = data.IPAddress
		}
		if data.HardwareID != "" {
			node.HardwareID = data.HardwareID
		}
		node.UpdatedAt = now
		return copyNode(node), false, nil
	}

	node := &Node{
		ID:         uuid.New().String(),
		PubKey:     pubKey,
		UserID:     userID,
		IPAddress:  data.IPAddress,
		HardwareID: data.HardwareID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.nodes[node.ID] = node
	s.nodeIndex[nodeKey(userID, pubKey)] = node.ID

	return copyNode(node), true, nil
}

// GetNode implements the Store interface.
func (s *InmemStore) GetNode(userID, pubKey string) (*Node, error) {
	s.RLock()
	defer s.RUnlock()

	id, ok := s.nodeIndex[nodeKey(userID, pubKey)]
	if !ok {
		return nil, cm.NewError("node", cm.NotFound, pubKey)
	}

	return copyNode(s.nodes[id]), nil
}

// GetNodeByID implements the Store interface.
func (s *InmemStore) GetNodeByID(nodeID string) (*Node, error) {
	s.RLock()
	defer s.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, cm.NewError("node", cm.NotFound, nodeID)
	}

	return copyNode(node), nil
}

// ListNodes implements the Store interface.
func (s *InmemStore) ListNodes(userID string, page, limit int) ([]*Node, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	nodes, err := s.NodesByUser(userID)
	if err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
	})

	skip := (page - 1) * limit
	if skip >= len(nodes) {
		return []*Node{}, nil
	}

	end := skip + limit
	if end > len(nodes) {
		end = len(nodes)
	}

	return nodes[skip:end], nil
}

// CountNodes implements the Store interface.
func (s *InmemStore) CountNodes(userID string) (int, error) {
	nodes, err := s.NodesByUser(userID)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// NodesByUser implements the Store interface.
func (s *InmemStore) NodesByUser(userID string) ([]*Node, error) {
	s.RLock()
	defer s.RUnlock()

	nodes := []*Node{}
	for _, node := range s.nodes {
		if strings.EqualFold(node.UserID, userID) && node.UserID != "" {
			nodes = append(nodes, copyNode(node))
		}
	}

	return nodes, nil
}

// SetNodeUser implements the Store interface. The node keeps its identifier,
// so sessions and rewards recorded while it was public stay attached.
func (s *InmemStore) SetNodeUser(nodeID, userID string) (*Node, error) {
	s.Lock()
	defer s.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, cm.NewError("node", cm.NotFound, nodeID)
	}

	delete(s.nodeIndex, nodeKey(node.UserID, node.PubKey))
	node.UserID = userID
	node.UpdatedAt = time.Now()
	s.nodeIndex[nodeKey(userID, node.PubKey)] = node.ID

	return copyNode(node), nil
}

// CreateSession implements the Store interface. Closing the previous open
// session and inserting the new one happen under the same lock, which is
// what upholds the single-open-session invariant under concurrent starts.
func (s *InmemStore) CreateSession(nodeID string, startAt time.Time) (*Session, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return nil, cm.NewError("node", cm.NotFound, nodeID)
	}

	for _, id := range s.sessionsByNode[nodeID] {
		if sess := s.sessions[id]; sess.Open() {
			endAt := startAt
			sess.EndAt = &endAt
		}
	}

	session := &Session{
		ID:      uuid.New().String(),
		NodeID:  nodeID,
		StartAt: startAt,
	}

	s.sessions[session.ID] = session
	s.sessionsByNode[nodeID] = append(s.sessionsByNode[nodeID], session.ID)

	return copySession(session), nil
}

// OpenSession implements the Store interface.
func (s *InmemStore) OpenSession(nodeID string) (*Session, error) {
	s.RLock()
	defer s.RUnlock()

	for _, id := range s.sessionsByNode[nodeID] {
		if sess := s.sessions[id]; sess.Open() {
			return copySession(sess), nil
		}
	}

	return nil, cm.NewError("session", cm.NotFound, nodeID)
}

// CloseOpenSessions implements the Store interface.
func (s *InmemStore) CloseOpenSessions(nodeID string, endAt time.Time) (int, error) {
	s.Lock()
	defer s.Unlock()

	closed := 0
	for _, id := range s.sessionsByNode[nodeID] {
		if sess := s.sessions[id]; sess.Open() {
			t := endAt
			sess.EndAt = &t
			closed++
		}
	}

	return closed, nil
}

// RecordPing implements the Store interface.
func (s *InmemStore) RecordPing(nodeID string, at time.Time) error {
	s.Lock()
	defer s.Unlock()

	for _, id := range s.sessionsByNode[nodeID] {
		if sess := s.sessions[id]; sess.Open() {
			t := at
			sess.LastPingAt = &t
			sess.Pings = append(sess.Pings, PingRecord{Timestamp: at})
			return nil
		}
	}

	// A heartbeat with no open session is recorded nowhere.
	return nil
}

// CloseStaleSessions implements the Store interface. The comparison is
// strictly-less-than: a session whose heartbeat is exactly at the cutoff
// stays open.
func (s *InmemStore) CloseStaleSessions(cutoff, endAt time.Time) (int, error) {
	s.Lock()
	defer s.Unlock()

	closed := 0
	for _, sess := range s.sessions {
		if !sess.Open() {
			continue
		}

		last := sess.StartAt
		if sess.LastPingAt != nil {
			last = *sess.LastPingAt
		}

		if last.Before(cutoff) {
			t := endAt
			sess.EndAt = &t
			closed++
		}
	}

	return closed, nil
}

// ActiveNodeIDs implements the Store interface.
func (s *InmemStore) ActiveNodeIDs(since time.Time) ([]string, error) {
	s.RLock()
	defer s.RUnlock()

	seen := map[string]bool{}
	ids := []string{}
	for _, sess := range s.sessions {
		if !sess.Open() || seen[sess.NodeID] {
			continue
		}

		last := sess.StartAt
		if sess.LastPingAt != nil {
			last = *sess.LastPingAt
		}

		if !last.Before(since) {
			seen[sess.NodeID] = true
			ids = append(ids, sess.NodeID)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// AppendRewards implements the Store interface.
func (s *InmemStore) AppendRewards(events []*RewardEvent) error {
	s.Lock()
	defer s.Unlock()

	for _, ev := range events {
		e := *ev
		s.rewards = append(s.rewards, &e)
	}

	return nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// SumRewards implements the Store interface.
func (s *InmemStore) SumRewards(nodeIDs []string, from, to time.Time) (RewardSum, error) {
	s.RLock()
	defer s.RUnlock()

	set := map[string]bool{}
	for _, id := range nodeIDs {
		set[id] = true
	}

	sum := RewardSum{}
	for _, ev := range s.rewards {
		if set[ev.NodeID] && inRange(ev.Timestamp, from, to) {
			sum.BaseReward += ev.BaseReward
			sum.TotalReward += ev.TotalReward
		}
	}

	return sum, nil
}

// SumRewardsByDate implements the Store interface.
func (s *InmemStore) SumRewardsByDate(nodeIDs []string, from time.Time, layout string) (map[string]RewardSum, error) {
	s.RLock()
	defer s.RUnlock()

	set := map[string]bool{}
	for _, id := range nodeIDs {
		set[id] = true
	}

	sums := map[string]RewardSum{}
	for _, ev := range s.rewards {
		if !set[ev.NodeID] || !inRange(ev.Timestamp, from, time.Time{}) {
			continue
		}

		bucket := ev.Timestamp.UTC().Format(layout)
		sum := sums[bucket]
		sum.BaseReward += ev.BaseReward
		sum.TotalReward += ev.TotalReward
		sums[bucket] = sum
	}

	return sums, nil
}

// GetUser implements the Store interface.
func (s *InmemStore) GetUser(userID string) (*User, error) {
	s.RLock()
	defer s.RUnlock()

	user, ok := s.users[strings.ToLower(userID)]
	if !ok {
		return nil, cm.NewError("user", cm.NotFound, userID)
	}

	u := *user
	return &u, nil
}

// PutUser implements the Store interface.
func (s *InmemStore) PutUser(user *User) error {
	s.Lock()
	defer s.Unlock()

	u := *user
	s.users[strings.ToLower(user.ID)] = &u

	return nil
}

// UsersReferredBy implements the Store interface.
func (s *InmemStore) UsersReferredBy(refCode string) ([]*User, error) {
	s.RLock()
	defer s.RUnlock()

	users := []*User{}
	if refCode == "" {
		return users, nil
	}

	for _, user := range s.users {
		if strings.EqualFold(user.RefBy, refCode) {
			u := *user
			users = append(users, &u)
		}
	}

	return users, nil
}

// AllUsers implements the Store interface.
func (s *InmemStore) AllUsers() ([]*User, error) {
	s.RLock()
	defer s.RUnlock()

	users := []*User{}
	for _, user := range s.users {
		u := *user
		users = append(users, &u)
	}

	return users, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

// sessionsOf returns copies of all sessions of a node, used by BadgerStore
// to persist session mutations.
func (s *InmemStore) sessionsOf(nodeID string) []*Session {
	s.RLock()
	defer s.RUnlock()

	sessions := []*Session{}
	for _, id := range s.sessionsByNode[nodeID] {
		sessions = append(sessions, copySession(s.sessions[id]))
	}

	return sessions
}

// allSessions returns copies of every session, used by BadgerStore after
// batch sweeps.
func (s *InmemStore) allSessions() []*Session {
	s.RLock()
	defer s.RUnlock()

	sessions := []*Session{}
	for _, sess := range s.sessions {
		sessions = append(sessions, copySession(sess))
	}

	return sessions
}

// loadSession injects a session during bootstrap.
func (s *InmemStore) loadSession(sess *Session) {
	s.Lock()
	defer s.Unlock()

	s.sessions[sess.ID] = copySession(sess)
	s.sessionsByNode[sess.NodeID] = append(s.sessionsByNode[sess.NodeID], sess.ID)
}

// loadNode injects a node during bootstrap.
func (s *InmemStore) loadNode(node *Node) {
	s.Lock()
	defer s.Unlock()

	s.nodes[node.ID] = copyNode(node)
	s.nodeIndex[nodeKey(node.UserID, node.PubKey)] = node.ID
}

// loadReward injects a reward event during bootstrap.
func (s *InmemStore) loadReward(ev *RewardEvent) {
	s.Lock()
	defer s.Unlock()

	e := *ev
	s.rewards = append(s.rewards, &e)
}
