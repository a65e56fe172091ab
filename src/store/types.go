package store

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
)

// Node is a network participant (worker) identified by a public key and
// owned by a user. The public key is immutable once set. A node registered
// through the public endpoint has no owning user yet.
type Node struct {
	ID         string
	PubKey     string
	UserID     string
	IPAddress  string
	HardwareID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NodeData carries the optional attributes of a registration request.
type NodeData struct {
	IPAddress  string
	HardwareID string
}

// PingRecord is one heartbeat entry in a session's legacy ping log.
type PingRecord struct {
	Timestamp time.Time
}

// Session represents one continuous period a node was online. A nil EndAt
// means the session is open. LastPingAt tracks the freshest heartbeat;
// Pings is the optional embedded heartbeat log kept for the legacy record
// shape.
type Session struct {
	ID         string
	NodeID     string
	StartAt    time.Time
	EndAt      *time.Time
	LastPingAt *time.Time
	Pings      []PingRecord
}

// Open returns true while the session has no end timestamp.
func (s *Session) Open() bool {
	return s.EndAt == nil
}

// RewardEvent is an immutable record of a reward paid to a node. Events are
// append-only; TotalReward is always BaseReward * Boost.
type RewardEvent struct {
	ID          string
	NodeID      string
	Timestamp   time.Time
	Boost       float64
	BaseReward  float64
	TotalReward float64
}

// User is the referenced identity record. The gateway core only reads it:
// referral linkage and social-connection flags feed the boost computation,
// the wallet addresses belong to the external auth collaborator.
type User struct {
	ID               string
	RefCode          string
	RefBy            string
	TwitterConnected bool
	DiscordConnected bool
	EthAddress       string
	CosmosAddress    string
	AptosAddress     string
	CreatedAt        time.Time
}

// RewardSum is an aggregated view over reward events.
type RewardSum struct {
	BaseReward  float64
	TotalReward float64
}

func marshalRecord(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalRecord(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}

// Marshal - canonical json encoding of Node
func (n *Node) Marshal() ([]byte, error) {
	return marshalRecord(n)
}

// Unmarshal ...
func (n *Node) Unmarshal(data []byte) error {
	return unmarshalRecord(data, n)
}

// Marshal - canonical json encoding of Session
func (s *Session) Marshal() ([]byte, error) {
	return marshalRecord(s)
}

// Unmarshal ...
func (s *Session) Unmarshal(data []byte) error {
	return unmarshalRecord(data, s)
}

// Marshal - canonical json encoding of RewardEvent
func (r *RewardEvent) Marshal() ([]byte, error) {
	return marshalRecord(r)
}

// Unmarshal ...
func (r *RewardEvent) Unmarshal(data []byte) error {
	return unmarshalRecord(data, r)
}

// Marshal - canonical json encoding of User
func (u *User) Marshal() ([]byte, error) {
	return marshalRecord(u)
}

// Unmarshal ...
func (u *User) Unmarshal(data []byte) error {
	return unmarshalRecord(data, u)
}
