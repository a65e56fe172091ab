package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/blocklessnetwork/gateway/src/common"
)

const inmemQueueDepth = 1024

// InmemQueue is a channel-backed Queue used in tests and in deployments
// without a Redis broker. It honors the same retry contract as RedisQueue.
type InmemQueue struct {
	sync.Mutex

	name    string
	conf    Config
	jobs    chan envelope
	closed  bool
	stopped sync.WaitGroup
	logger  *logrus.Entry
}

// NewInmemQueue ...
func NewInmemQueue(name string, conf Config, logger *logrus.Entry) *InmemQueue {
	return &InmemQueue{
		name:   name,
		conf:   conf,
		jobs:   make(chan envelope, inmemQueueDepth),
		logger: logger.WithField("queue", name),
	}
}

// Name implements the Queue interface.
func (q *InmemQueue) Name() string {
	return q.name
}

// Enqueue implements the Queue interface.
func (q *InmemQueue) Enqueue(payload []byte) error {
	return q.enqueue(envelope{Payload: payload})
}

func (q *InmemQueue) enqueue(env envelope) error {
	q.Lock()
	defer q.Unlock()

	if q.closed {
		return cm.NewError("queue", cm.UpstreamUnavailable, q.name)
	}

	select {
	case q.jobs <- env:
		return nil
	default:
		return cm.NewError("queue", cm.UpstreamUnavailable, q.name)
	}
}

// Start implements the Queue interface.
func (q *InmemQueue) Start(handler Handler) {
	q.stopped.Add(1)
	go func() {
		defer q.stopped.Done()
		for env := range q.jobs {
			q.process(env, handler)
		}
	}()
}

func (q *InmemQueue) process(env envelope, handler Handler) {
	err := handler(env.Payload)
	if err == nil {
		return
	}

	if env.Attempt+1 >= q.conf.Attempts {
		q.logger.WithError(err).WithField("attempts", env.Attempt+1).
			Error("Dropping job after exhausting retries")
		return
	}

	delay := retryDelay(q.conf, env.Attempt)
	env.Attempt++

	q.logger.WithError(err).WithFields(logrus.Fields{
		"attempt": env.Attempt,
		"delay":   delay,
	}).Warn("Job failed, scheduling retry")

	time.AfterFunc(delay, func() {
		if err := q.enqueue(env); err != nil {
			q.logger.WithError(err).Error("Dropping retry, queue unavailable")
		}
	})
}

// Close implements the Queue interface.
func (q *InmemQueue) Close() error {
	q.Lock()
	if q.closed {
		q.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.Unlock()

	q.stopped.Wait()

	return nil
}
