// Package registry tracks nodes: their public key, owning user and static
// metadata. Registration writes are routed through a durable queue and fall
// back to direct database writes when the broker is unavailable, so a
// registration is never silently dropped.
package registry

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/queue"
	"github.com/blocklessnetwork/gateway/src/store"
)

// DefaultMaxNodesPerUser is the reference per-user node cap.
const DefaultMaxNodesPerUser = 5

// Config ...
type Config struct {
	MaxNodesPerUser int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxNodesPerUser: DefaultMaxNodesPerUser,
	}
}

// RegistrationJob is the queued payload of a node registration.
type RegistrationJob struct {
	UserID string
	PubKey string
	Data   store.NodeData
}

// Marshal - canonical json encoding of RegistrationJob
func (j *RegistrationJob) Marshal() ([]byte, error) {
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
func (j *RegistrationJob) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(j)
}

// Registry manages node records. The queue is optional; with a nil queue all
// writes are synchronous.
type Registry struct {
	store  store.Store
	queue  queue.Queue
	conf   Config
	logger *logrus.Entry
}

// New ...
func New(s store.Store, q queue.Queue, conf Config, logger *logrus.Entry) *Registry {
	return &Registry{
		store:  s,
		queue:  q,
		conf:   conf,
		logger: logger,
	}
}

// RegisterNode upserts the node matching (userID, pubKey). A new node is
// refused when the user is already at the node cap. The write is queued when
// a queue is configured; on queue failure it degrades to a synchronous
// database write. On the queued path the returned node reflects the request
// merged over the current record, and a brand new node has no identifier
// until the write lands.
func (r *Registry) RegisterNode(userID, pubKey string, data store.NodeData) (*store.Node, error) {
	if pubKey == "" {
		return nil, cm.NewError("node", cm.ValidationError, "missing public key")
	}

	if err := ValidatePubKey(pubKey); err != nil {
		r.logger.WithError(err).WithField("pub_key", pubKey).Debug("Rejecting malformed public key")
		return nil, cm.NewError("node", cm.ValidationError, pubKey)
	}

	existing, err := r.store.GetNode(userID, pubKey)
	if err != nil {
		if !cm.Is(err, cm.NotFound) {
			return nil, err
		}

		count, err := r.store.CountNodes(userID)
		if err != nil {
			return nil, err
		}
		if count >= r.conf.MaxNodesPerUser {
			return nil, cm.NewError("node", cm.QuotaExceeded, userID)
		}
	}

	job := RegistrationJob{
		UserID: userID,
		PubKey: pubKey,
		Data:   data,
	}

	if r.queue != nil {
		if err := r.enqueue(&job); err == nil {
			return pendingNode(existing, &job), nil
		}
		r.logger.Warn("Queue write failed, falling back to direct database write")
	}

	return r.registerInDatabase(&job)
}

func (r *Registry) enqueue(job *RegistrationJob) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}

	return r.queue.Enqueue(payload)
}

// pendingNode builds the caller-visible view of a registration that is still
// sitting in the queue.
func pendingNode(existing *store.Node, job *RegistrationJob) *store.Node {
	node := &store.Node{
		PubKey: job.PubKey,
		UserID: job.UserID,
	}
	if existing != nil {
		*node = *existing
	}
	if job.Data.IPAddress != "" {
		node.IPAddress = job.Data.IPAddress
	}
	if job.Data.HardwareID != "" {
		node.HardwareID = job.Data.HardwareID
	}
	return node
}

// HandleRegistration is the queue consumer handler.
func (r *Registry) HandleRegistration(payload []byte) error {
	job := RegistrationJob{}
	if err := job.Unmarshal(payload); err != nil {
		return err
	}

	_, err := r.registerInDatabase(&job)

	return err
}

func (r *Registry) registerInDatabase(job *RegistrationJob) (*store.Node, error) {
	node, created, err := r.store.UpsertNode(job.UserID, job.PubKey, job.Data)
	if err != nil {
		return nil, err
	}

	if created {
		r.logger.WithFields(logrus.Fields{
			"pub_key": node.PubKey,
			"user_id": node.UserID,
		}).Info("Registered node")
	}

	return node, nil
}

// RegisterPublicNode creates a node keyed purely by public key, without an
// owning user. Linking to a user happens later through LinkNode.
func (r *Registry) RegisterPublicNode(pubKey string, data store.NodeData) (*store.Node, error) {
	if pubKey == "" {
		return nil, cm.NewError("node", cm.ValidationError, "missing public key")
	}

	if err := ValidatePubKey(pubKey); err != nil {
		return nil, cm.NewError("node", cm.ValidationError, pubKey)
	}

	node, _, err := r.store.UpsertNode("", pubKey, data)

	return node, err
}

// LinkNode assigns ownership of a public node to a user. The node record is
// re-owned in place, so sessions and rewards accrued while it was public
// follow it. Linking a node the user already owns is a no-op success;
// signature verification is the auth collaborator's job.
func (r *Registry) LinkNode(userID, pubKey string) (*store.Node, error) {
	if userID == "" {
		return nil, cm.NewError("node", cm.ValidationError, "missing user")
	}

	owned, err := r.store.GetNode(userID, pubKey)
	if err == nil {
		return owned, nil
	}
	if !cm.Is(err, cm.NotFound) {
		return nil, err
	}

	node, err := r.store.GetNode("", pubKey)
	if err != nil {
		return nil, err
	}

	count, err := r.store.CountNodes(userID)
	if err != nil {
		return nil, err
	}
	if count >= r.conf.MaxNodesPerUser {
		return nil, cm.NewError("node", cm.QuotaExceeded, userID)
	}

	linked, err := r.store.SetNodeUser(node.ID, userID)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"pub_key": pubKey,
		"user_id": userID,
	}).Info("Linked node")

	return linked, nil
}

// GetNode fetches a user's node by public key.
func (r *Registry) GetNode(userID, pubKey string) (*store.Node, error) {
	return r.store.GetNode(userID, pubKey)
}

// ListNodes returns one page of a user's nodes, most recently updated first.
func (r *Registry) ListNodes(userID string, page, limit int) ([]*store.Node, error) {
	return r.store.ListNodes(userID, page, limit)
}
