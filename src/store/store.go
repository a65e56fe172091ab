package store

import "time"

// Store is the interface for gateway backend stores. Aggregation queries are
// explicit methods rather than ad-hoc pipelines so the rollup logic stays
// unit-testable independent of the storage engine.
//
// Time-range arguments treat the zero time.Time as unbounded.
type Store interface {
	// UpsertNode inserts or updates the node matching (userID, pubKey). The
	// second return value reports whether a new node was created.
	UpsertNode(userID, pubKey string, data NodeData) (*Node, bool, error)
	// GetNode returns the node matching (userID, pubKey).
	GetNode(userID, pubKey string) (*Node, error)
	// GetNodeByID returns a node by its identifier.
	GetNodeByID(nodeID string) (*Node, error)
	// ListNodes returns one page of a user's nodes, most recently updated
	// first. Pages are 1-based.
	ListNodes(userID string, page, limit int) ([]*Node, error)
	// CountNodes returns the number of nodes owned by a user.
	CountNodes(userID string) (int, error)
	// NodesByUser returns all of a user's nodes.
	NodesByUser(userID string) ([]*Node, error)
	// SetNodeUser re-owns an existing node in place, keeping its identifier
	// and session history. The lookup index is updated atomically.
	SetNodeUser(nodeID, userID string) (*Node, error)

	// CreateSession closes any open session for the node and inserts a new
	// open session starting at startAt. Both steps happen under one
	// store-level critical section, so at most one session is ever open per
	// node.
	CreateSession(nodeID string, startAt time.Time) (*Session, error)
	// OpenSession returns the node's open session, if any.
	OpenSession(nodeID string) (*Session, error)
	// CloseOpenSessions sets the end timestamp on every open session of the
	// node and returns how many were closed.
	CloseOpenSessions(nodeID string, endAt time.Time) (int, error)
	// RecordPing updates the heartbeat of the node's open session. It is a
	// no-op when the node has no open session.
	RecordPing(nodeID string, at time.Time) error
	// CloseStaleSessions closes every open session whose last heartbeat, or
	// start when never pinged, is strictly before cutoff. Returns the number
	// of sessions closed.
	CloseStaleSessions(cutoff, endAt time.Time) (int, error)
	// ActiveNodeIDs returns the distinct identifiers of nodes with an open
	// session whose last heartbeat (or start, if never pinged) is at or
	// after since.
	ActiveNodeIDs(since time.Time) ([]string, error)

	// AppendRewards inserts reward events all-or-nothing.
	AppendRewards(events []*RewardEvent) error
	// SumRewards aggregates rewards of the given nodes inside [from, to).
	SumRewards(nodeIDs []string, from, to time.Time) (RewardSum, error)
	// SumRewardsByDate aggregates rewards of the given nodes from `from`
	// onward, bucketed by the UTC timestamp formatted with layout.
	SumRewardsByDate(nodeIDs []string, from time.Time, layout string) (map[string]RewardSum, error)

	// GetUser returns a user record by identifier.
	GetUser(userID string) (*User, error)
	// PutUser inserts or replaces a user record.
	PutUser(user *User) error
	// UsersReferredBy returns the users whose RefBy matches refCode.
	UsersReferredBy(refCode string) ([]*User, error)
	// AllUsers returns every known user.
	AllUsers() ([]*User, error)

	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database.
	StorePath() string
}
