// Package mbus binds the two queue systems: the priority-routed intake
// exchange and the per-bitrate work queues, all on one broker.
package mbus

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TranscodingExchange = "transcoding.exchange"

	IntakeQueuePriority = "audiobook.transcode.priority"
	IntakeQueueNormal   = "audiobook.transcode.normal"
	IntakeQueueLow      = "audiobook.transcode.low"

	DeletionQueue = "audiobook.chapters.deleted"

	MasterQueue = "transcode:master"

	RoutingKeyPriority = "priority"
	RoutingKeyNormal   = "normal"
	RoutingKeyLow      = "low"

	maxPriority = 10
)

// Message priorities for high/normal/low intake requests.
const (
	PriorityHigh   uint8 = 10
	PriorityNormal uint8 = 5
	PriorityLow    uint8 = 1
)

// BitrateQueue returns the work queue name for a bitrate, e.g. "transcode:128k".
func BitrateQueue(bitrate int) string {
	return fmt.Sprintf("transcode:%dk", bitrate)
}

// MessagePriority maps an intake priority label to a broker priority.
func MessagePriority(priority string) uint8 {
	switch priority {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// RoutingKey maps an intake priority label to its exchange binding.
func RoutingKey(priority string) string {
	switch priority {
	case "high":
		return RoutingKeyPriority
	case "low":
		return RoutingKeyLow
	default:
		return RoutingKeyNormal
	}
}

// declareTopology sets up the exchange, intake queues, work queues and
// the deletion queue. All declarations are idempotent.
func declareTopology(ch *amqp.Channel, messageTTL time.Duration, bitrates []int) error {
	if err := ch.ExchangeDeclare(TranscodingExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring exchange %s: %w", TranscodingExchange, err)
	}

	intake := []struct {
		queue string
		key   string
		ttl   time.Duration
	}{
		{IntakeQueuePriority, RoutingKeyPriority, messageTTL},
		{IntakeQueueNormal, RoutingKeyNormal, messageTTL},
		{IntakeQueueLow, RoutingKeyLow, 2 * messageTTL},
	}
	for _, q := range intake {
		args := amqp.Table{
			"x-message-ttl":  q.ttl.Milliseconds(),
			"x-max-priority": int32(maxPriority),
		}
		if _, err := ch.QueueDeclare(q.queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("error declaring queue %s: %w", q.queue, err)
		}
		if err := ch.QueueBind(q.queue, q.key, TranscodingExchange, false, nil); err != nil {
			return fmt.Errorf("error binding queue %s: %w", q.queue, err)
		}
	}

	workQueues := []string{MasterQueue}
	for _, b := range bitrates {
		workQueues = append(workQueues, BitrateQueue(b))
	}
	for _, q := range workQueues {
		args := amqp.Table{"x-max-priority": int32(maxPriority)}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("error declaring work queue %s: %w", q, err)
		}
	}

	if _, err := ch.QueueDeclare(DeletionQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring deletion queue %s: %w", DeletionQueue, err)
	}

	return nil
}
