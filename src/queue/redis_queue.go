package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const brpopTimeout = time.Second

// RedisQueue is a Redis-list-backed Queue. Jobs are LPUSHed by producers and
// BRPOPed by a single consumer goroutine. Retries are re-queued by an
// in-process timer after their backoff elapses, so a pending retry does not
// survive a restart; producers fall back to direct writes when the broker is
// down, which is where durability actually comes from.
type RedisQueue struct {
	name    string
	conf    Config
	client  *redis.Client
	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.WaitGroup
	logger  *logrus.Entry
}

// NewRedisQueue connects to the broker at addr and returns a queue named
// name. The connection is verified up front so a misconfigured broker
// surfaces at startup, not on the first write.
func NewRedisQueue(name, addr string, conf Config, logger *logrus.Entry) (*RedisQueue, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}

	return &RedisQueue{
		name:   name,
		conf:   conf,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithField("queue", name),
	}, nil
}

// Name implements the Queue interface.
func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) key() string {
	return "gateway:queue:" + q.name
}

// Enqueue implements the Queue interface.
func (q *RedisQueue) Enqueue(payload []byte) error {
	return q.push(envelope{Payload: payload})
}

func (q *RedisQueue) push(env envelope) error {
	data, err := env.marshal()
	if err != nil {
		return err
	}

	return q.client.LPush(q.ctx, q.key(), data).Err()
}

// Start implements the Queue interface.
func (q *RedisQueue) Start(handler Handler) {
	q.stopped.Add(1)
	go func() {
		defer q.stopped.Done()
		for {
			res, err := q.client.BRPop(q.ctx, brpopTimeout, q.key()).Result()

			if q.ctx.Err() != nil {
				return
			}

			if err == redis.Nil {
				continue
			}

			if err != nil {
				q.logger.WithError(err).Warn("Broker read failed")
				time.Sleep(brpopTimeout)
				continue
			}

			// BRPop returns [key, value]
			if len(res) != 2 {
				continue
			}

			env := envelope{}
			if err := env.unmarshal([]byte(res[1])); err != nil {
				q.logger.WithError(err).Error("Dropping undecodable job")
				continue
			}

			q.process(env, handler)
		}
	}()
}

func (q *RedisQueue) process(env envelope, handler Handler) {
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
		if err := q.push(env); err != nil {
			q.logger.WithError(err).Error("Dropping retry, broker unavailable")
		}
	})
}

// Close implements the Queue interface.
func (q *RedisQueue) Close() error {
	q.cancel()
	q.stopped.Wait()

	return q.client.Close()
}
