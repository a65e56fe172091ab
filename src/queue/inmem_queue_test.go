package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	cm "github.com/blocklessnetwork/gateway/src/common"
)

func testConfig() Config {
	return Config{
		Attempts: 3,
		Backoff:  time.Millisecond,
	}
}

func TestInmemQueueDeliver(t *testing.T) {
	q := NewInmemQueue("test", testConfig(), cm.NewTestEntry(t, "queue"))
	defer q.Close()

	got := make(chan []byte, 1)
	q.Start(func(payload []byte) error {
		got <- payload
		return nil
	})

	if err := q.Enqueue([]byte("job-1")); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-got:
		if string(payload) != "job-1" {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("job never delivered")
	}
}

func TestInmemQueueRetry(t *testing.T) {
	q := NewInmemQueue("test", testConfig(), cm.NewTestEntry(t, "queue"))
	defer q.Close()

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	// Fail twice, succeed on the third attempt.
	q.Start(func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	if err := q.Enqueue([]byte("job-1")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded after retries")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestInmemQueueDropsAfterRetries(t *testing.T) {
	q := NewInmemQueue("test", testConfig(), cm.NewTestEntry(t, "queue"))
	defer q.Close()

	var mu sync.Mutex
	calls := 0

	q.Start(func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("permanent")
	})

	if err := q.Enqueue([]byte("job-1")); err != nil {
		t.Fatal(err)
	}

	// Give the retry timers room to fire, then make sure the attempt count
	// stopped at the configured limit.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != testConfig().Attempts {
		t.Fatalf("expected %d attempts, got %d", testConfig().Attempts, calls)
	}
}

func TestInmemQueueClosed(t *testing.T) {
	q := NewInmemQueue("test", testConfig(), cm.NewTestEntry(t, "queue"))
	q.Start(func(payload []byte) error { return nil })

	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	err := q.Enqueue([]byte("job-1"))
	if !cm.Is(err, cm.UpstreamUnavailable) {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}

	// Closing twice is safe.
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRetryDelay(t *testing.T) {
	conf := Config{Backoff: 5 * time.Second}

	if d := retryDelay(conf, 0); d != 5*time.Second {
		t.Fatalf("unexpected first delay %v", d)
	}
	if d := retryDelay(conf, 1); d != 10*time.Second {
		t.Fatalf("unexpected second delay %v", d)
	}
	if d := retryDelay(conf, 2); d != 20*time.Second {
		t.Fatalf("unexpected third delay %v", d)
	}
}
