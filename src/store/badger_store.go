package store

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
)

const (
	nodePrefix    = "node"
	sessionPrefix = "session"
	rewardPrefix  = "reward"
	userPrefix    = "user"
)

// BadgerStore is a durable Store. Every write goes to the Badger database
// and to an embedded InmemStore which serves all reads and aggregations.
// Records are stored as canonical JSON under prefixed keys.
type BadgerStore struct {
	inmemStore    *InmemStore
	db            *badger.DB
	path          string
	needBootstrap bool
}

// NewBadgerStore creates a brand new Store with a fresh database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	return store, nil
}

// LoadBadgerStore creates a Store from an existing database, replaying every
// record into the in-memory index.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore:    NewInmemStore(),
		db:            handle,
		path:          path,
		needBootstrap: true,
	}

	if err := store.bootstrap(); err != nil {
		store.db.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads an existing database, or creates a new one.
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)

	if err != nil {
		store, err = NewBadgerStore(path)

		if err != nil {
			return nil, err
		}
	}

	return store, nil
}

// NeedBootstrap returns true when the store was loaded from an existing
// database.
func (s *BadgerStore) NeedBootstrap() bool {
	return s.needBootstrap
}

//==============================================================================
//Keys

func nodeDBKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", nodePrefix, id))
}

func sessionDBKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", sessionPrefix, id))
}

func rewardDBKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", rewardPrefix, id))
}

func userDBKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", userPrefix, strings.ToLower(id)))
}

//==============================================================================
//Store interface

// UpsertNode implements the Store interface.
func (s *BadgerStore) UpsertNode(userID, pubKey string, data NodeData) (*Node, bool, error) {
	node, created, err := s.inmemStore.UpsertNode(userID, pubKey, data)
	if err != nil {
		return nil, false, err
	}

	if err := s.dbSetNode(node); err != nil {
		return nil, false, err
	}

	return node, created, nil
}

// GetNode implements the Store interface.
func (s *BadgerStore) GetNode(userID, pubKey string) (*Node, error) {
	return s.inmemStore.GetNode(userID, pubKey)
}

// GetNodeByID implements the Store interface.
func (s *BadgerStore) GetNodeByID(nodeID string) (*Node, error) {
	return s.inmemStore.GetNodeByID(nodeID)
}

// ListNodes implements the Store interface.
func (s *BadgerStore) ListNodes(userID string, page, limit int) ([]*Node, error) {
	return s.inmemStore.ListNodes(userID, page, limit)
}

// CountNodes implements the Store interface.
func (s *BadgerStore) CountNodes(userID string) (int, error) {
	return s.inmemStore.CountNodes(userID)
}

// NodesByUser implements the Store interface.
func (s *BadgerStore) NodesByUser(userID string) ([]*Node, error) {
	return s.inmemStore.NodesByUser(userID)
}

// SetNodeUser implements the Store interface.
func (s *BadgerStore) SetNodeUser(nodeID, userID string) (*Node, error) {
	node, err := s.inmemStore.SetNodeUser(nodeID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.dbSetNode(node); err != nil {
		return nil, err
	}

	return node, nil
}

// CreateSession implements the Store interface.
func (s *BadgerStore) CreateSession(nodeID string, startAt time.Time) (*Session, error) {
	session, err := s.inmemStore.CreateSession(nodeID, startAt)
	if err != nil {
		return nil, err
	}

	if err := s.dbSetSessions(s.inmemStore.sessionsOf(nodeID)); err != nil {
		return nil, err
	}

	return session, nil
}

// OpenSession implements the Store interface.
func (s *BadgerStore) OpenSession(nodeID string) (*Session, error) {
	return s.inmemStore.OpenSession(nodeID)
}

// CloseOpenSessions implements the Store interface.
func (s *BadgerStore) CloseOpenSessions(nodeID string, endAt time.Time) (int, error) {
	closed, err := s.inmemStore.CloseOpenSessions(nodeID, endAt)
	if err != nil {
		return 0, err
	}

	if closed > 0 {
		if err := s.dbSetSessions(s.inmemStore.sessionsOf(nodeID)); err != nil {
			return closed, err
		}
	}

	return closed, nil
}

// RecordPing implements the Store interface.
func (s *BadgerStore) RecordPing(nodeID string, at time.Time) error {
	if err := s.inmemStore.RecordPing(nodeID, at); err != nil {
		return err
	}

	return s.dbSetSessions(s.inmemStore.sessionsOf(nodeID))
}

// CloseStaleSessions implements the Store interface.
func (s *BadgerStore) CloseStaleSessions(cutoff, endAt time.Time) (int, error) {
	closed, err := s.inmemStore.CloseStaleSessions(cutoff, endAt)
	if err != nil {
		return 0, err
	}

	if closed > 0 {
		// Persist only the sessions the sweep just closed.
		swept := []*Session{}
		for _, sess := range s.inmemStore.allSessions() {
			if sess.EndAt != nil && sess.EndAt.Equal(endAt) {
				swept = append(swept, sess)
			}
		}
		if err := s.dbSetSessions(swept); err != nil {
			return closed, err
		}
	}

	return closed, nil
}

// ActiveNodeIDs implements the Store interface.
func (s *BadgerStore) ActiveNodeIDs(since time.Time) ([]string, error) {
	return s.inmemStore.ActiveNodeIDs(since)
}

// AppendRewards implements the Store interface. The badger transaction makes
// the insert all-or-nothing; the in-memory index is only updated after the
// transaction commits.
func (s *BadgerStore) AppendRewards(events []*RewardEvent) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, ev := range events {
			val, err := ev.Marshal()
			if err != nil {
				return err
			}
			if err := txn.Set(rewardDBKey(ev.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.inmemStore.AppendRewards(events)
}

// SumRewards implements the Store interface.
func (s *BadgerStore) SumRewards(nodeIDs []string, from, to time.Time) (RewardSum, error) {
	return s.inmemStore.SumRewards(nodeIDs, from, to)
}

// SumRewardsByDate implements the Store interface.
func (s *BadgerStore) SumRewardsByDate(nodeIDs []string, from time.Time, layout string) (map[string]RewardSum, error) {
	return s.inmemStore.SumRewardsByDate(nodeIDs, from, layout)
}

// GetUser implements the Store interface.
func (s *BadgerStore) GetUser(userID string) (*User, error) {
	return s.inmemStore.GetUser(userID)
}

// PutUser implements the Store interface.
func (s *BadgerStore) PutUser(user *User) error {
	if err := s.inmemStore.PutUser(user); err != nil {
		return err
	}

	val, err := user.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userDBKey(user.ID), val)
	})
}

// UsersReferredBy implements the Store interface.
func (s *BadgerStore) UsersReferredBy(refCode string) ([]*User, error) {
	return s.inmemStore.UsersReferredBy(refCode)
}

// AllUsers implements the Store interface.
func (s *BadgerStore) AllUsers() ([]*User, error) {
	return s.inmemStore.AllUsers()
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//==============================================================================
//DB helpers

func (s *BadgerStore) dbSetNode(node *Node) error {
	val, err := node.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeDBKey(node.ID), val)
	})
}

func (s *BadgerStore) dbSetSessions(sessions []*Session) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, sess := range sessions {
			val, err := sess.Marshal()
			if err != nil {
				return err
			}
			if err := txn.Set(sessionDBKey(sess.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) bootstrap() error {
	return s.db.View(func(txn *badger.Txn) error {
		if err := s.replay(txn, nodePrefix, func(val []byte) error {
			node := new(Node)
			if err := node.Unmarshal(val); err != nil {
				return err
			}
			s.inmemStore.loadNode(node)
			return nil
		}); err != nil {
			return err
		}

		if err := s.replay(txn, sessionPrefix, func(val []byte) error {
			sess := new(Session)
			if err := sess.Unmarshal(val); err != nil {
				return err
			}
			s.inmemStore.loadSession(sess)
			return nil
		}); err != nil {
			return err
		}

		if err := s.replay(txn, rewardPrefix, func(val []byte) error {
			ev := new(RewardEvent)
			if err := ev.Unmarshal(val); err != nil {
				return err
			}
			s.inmemStore.loadReward(ev)
			return nil
		}); err != nil {
			return err
		}

		return s.replay(txn, userPrefix, func(val []byte) error {
			user := new(User)
			if err := user.Unmarshal(val); err != nil {
				return err
			}
			return s.inmemStore.PutUser(user)
		})
	})
}

func (s *BadgerStore) replay(txn *badger.Txn, prefix string, fn func([]byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix + "_")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			return fn(val)
		})
		if err != nil {
			return err
		}
	}

	return nil
}
