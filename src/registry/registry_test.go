package registry

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/queue"
	"github.com/blocklessnetwork/gateway/src/store"
)

func testPubKey(t *testing.T) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatal(err)
	}

	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func testRegistry(t *testing.T, q queue.Queue) (*Registry, *store.InmemStore) {
	s := store.NewInmemStore()
	r := New(s, q, DefaultConfig(), cm.NewTestEntry(t, "registry"))
	return r, s
}

func TestRegisterNode(t *testing.T) {
	r, s := testRegistry(t, nil)

	pk := testPubKey(t)

	node, err := r.RegisterNode("u1", pk, store.NodeData{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if node.UserID != "u1" {
		t.Fatalf("expected owner u1, got %q", node.UserID)
	}

	stored, err := s.GetNode("u1", pk)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected stored node %+v", stored)
	}
}

func TestRegisterNodeQuota(t *testing.T) {
	r, _ := testRegistry(t, nil)

	keys := make([]string, DefaultMaxNodesPerUser)
	for i := range keys {
		keys[i] = testPubKey(t)
		if _, err := r.RegisterNode("u1", keys[i], store.NodeData{}); err != nil {
			t.Fatal(err)
		}
	}

	// A sixth distinct node must be refused.
	_, err := r.RegisterNode("u1", testPubKey(t), store.NodeData{})
	if !cm.Is(err, cm.QuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	// Re-registering an existing node at the cap is still an upsert.
	if _, err := r.RegisterNode("u1", keys[0], store.NodeData{HardwareID: "hw-1"}); err != nil {
		t.Fatal(err)
	}

	// Another user is unaffected by u1's quota.
	if _, err := r.RegisterNode("u2", testPubKey(t), store.NodeData{}); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterNodeValidation(t *testing.T) {
	r, _ := testRegistry(t, nil)

	_, err := r.RegisterNode("u1", "", store.NodeData{})
	if !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError for empty key, got %v", err)
	}

	_, err = r.RegisterNode("u1", "not-hex", store.NodeData{})
	if !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError for junk key, got %v", err)
	}

	_, err = r.RegisterNode("u1", "deadbeef", store.NodeData{})
	if !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError for off-curve key, got %v", err)
	}
}

func TestRegisterNodeThroughQueue(t *testing.T) {
	q := queue.NewInmemQueue("node-registrations", queue.Config{Attempts: 3, Backoff: time.Millisecond}, cm.NewTestEntry(t, "queue"))
	defer q.Close()

	r, s := testRegistry(t, q)
	q.Start(r.HandleRegistration)

	pk := testPubKey(t)

	node, err := r.RegisterNode("u1", pk, store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}
	if node.PubKey != pk {
		t.Fatalf("unexpected pending node %+v", node)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.GetNode("u1", pk); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued registration never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// brokenQueue refuses every job, like a broker that is down.
type brokenQueue struct{}

func (brokenQueue) Name() string { return "broken" }

func (brokenQueue) Enqueue(payload []byte) error {
	return cm.NewError("queue", cm.UpstreamUnavailable, "broken")
}

func (brokenQueue) Start(handler queue.Handler) {}

func (brokenQueue) Close() error { return nil }

func TestRegisterNodeQueueFallback(t *testing.T) {
	r, s := testRegistry(t, brokenQueue{})

	pk := testPubKey(t)

	if _, err := r.RegisterNode("u1", pk, store.NodeData{}); err != nil {
		t.Fatal(err)
	}

	// The registration must have landed synchronously despite the broker.
	if _, err := s.GetNode("u1", pk); err != nil {
		t.Fatalf("fallback write missing: %v", err)
	}
}

func TestRegisterPublicNode(t *testing.T) {
	r, s := testRegistry(t, nil)

	pk := testPubKey(t)

	node, err := r.RegisterPublicNode(pk, store.NodeData{HardwareID: "hw-9"})
	if err != nil {
		t.Fatal(err)
	}
	if node.UserID != "" {
		t.Fatalf("public node must have no owner, got %q", node.UserID)
	}

	if _, err := s.GetNode("", pk); err != nil {
		t.Fatal(err)
	}

	if _, err := r.RegisterPublicNode("", store.NodeData{}); !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLinkNode(t *testing.T) {
	r, s := testRegistry(t, nil)

	pk := testPubKey(t)

	public, err := r.RegisterPublicNode(pk, store.NodeData{})
	if err != nil {
		t.Fatal(err)
	}

	// Session history accrued while public must follow the node.
	if _, err := s.CreateSession(public.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	linked, err := r.LinkNode("u1", pk)
	if err != nil {
		t.Fatal(err)
	}
	if linked.ID != public.ID {
		t.Fatal("linking must re-own the existing record, not create a new one")
	}
	if linked.UserID != "u1" {
		t.Fatalf("unexpected owner %q", linked.UserID)
	}

	if _, err := s.GetNode("", pk); !cm.Is(err, cm.NotFound) {
		t.Fatal("public row must be gone after linking")
	}
	if _, err := s.GetNode("u1", pk); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenSession(linked.ID); err != nil {
		t.Fatalf("session history stranded by link: %v", err)
	}

	// Linking again is a no-op success.
	again, err := r.LinkNode("u1", pk)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != linked.ID {
		t.Fatal("repeat link must return the same node")
	}
}

func TestLinkNodeQuota(t *testing.T) {
	r, _ := testRegistry(t, nil)

	for i := 0; i < DefaultMaxNodesPerUser; i++ {
		if _, err := r.RegisterNode("u1", testPubKey(t), store.NodeData{}); err != nil {
			t.Fatal(err)
		}
	}

	pk := testPubKey(t)
	if _, err := r.RegisterPublicNode(pk, store.NodeData{}); err != nil {
		t.Fatal(err)
	}

	_, err := r.LinkNode("u1", pk)
	if !cm.Is(err, cm.QuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestLinkNodeUnknown(t *testing.T) {
	r, _ := testRegistry(t, nil)

	_, err := r.LinkNode("u1", testPubKey(t))
	if !cm.Is(err, cm.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	_, err = r.LinkNode("", testPubKey(t))
	if !cm.Is(err, cm.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestListNodes(t *testing.T) {
	r, _ := testRegistry(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.RegisterNode("u1", testPubKey(t), store.NodeData{}); err != nil {
			t.Fatal(err)
		}
	}

	nodes, err := r.ListNodes("u1", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
}
