package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is an exchange name.
type Exchange string

// Queue is a queue name.
type Queue string

// RoutingKey is a routing key.
type RoutingKey string

const (
	ExchangeJobs Exchange = "launchpad.jobs"
	ExchangeDLQ  Exchange = "launchpad.dlq"
)

const (
	QueueJobsReady Queue = "jobs.ready"
	QueueDLQJobs   Queue = "dlq.jobs"
)

const (
	RoutingKeyReady   RoutingKey = "ready"
	RoutingKeyDLQJobs RoutingKey = "jobs"
)

type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// Topology describes the exchanges, queues and bindings of the pool. A
// non-default ready queue lets several pools share one broker.
type Topology struct {
	ReadyQueue Queue
}

// DefaultTopology uses the standard queue names.
func DefaultTopology() Topology {
	return Topology{ReadyQueue: QueueJobsReady}
}

func (t Topology) readyQueue() Queue {
	if t.ReadyQueue == "" {
		return QueueJobsReady
	}
	return t.ReadyQueue
}

// ReadyRoutingKey is the routing key that delivers to the ready queue.
func (t Topology) ReadyRoutingKey() RoutingKey {
	if t.readyQueue() == QueueJobsReady {
		return RoutingKeyReady
	}
	return RoutingKey(t.readyQueue())
}

func (t Topology) bindings() []binding {
	return []binding{
		{t.readyQueue(), t.ReadyRoutingKey(), ExchangeJobs},
		{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
	}
}

// Setup declares the topology. It is idempotent.
func (t Topology) Setup(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeJobs, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		dlqArgs := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}
		queues := []struct {
			name Queue
			args amqp.Table
		}{
			{t.readyQueue(), dlqArgs},
			{QueueDLQJobs, nil},
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range t.bindings() {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
