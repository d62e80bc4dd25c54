package pipeline

import (
	"context"
	"time"

	"github.com/Shopify/sarama"

	"miniim/global/config"
	"miniim/logger"
	"miniim/service/kafka"
	"miniim/service/storage"
	"miniim/tools/safe"
)

// NewKafka runs the stage logs as kafka topics. The deliver consumer is
// gated by a leader lease so one instance drains the accepted log at a time;
// the save group is shared and scales with its partitions.
func NewKafka(cfg config.TwoPhaseConfig, kcfg config.KafkaConfig, instanceID string, p Persister, h Hooks, lease *storage.LeaderLease) *Pipeline {
	pl := newPipeline(cfg, instanceID, p, h)
	pl.q = &kafkaQueue{
		acceptedTopic: kcfg.AcceptedTopic,
		toSaveTopic:   kcfg.ToSaveTopic,
		saveGroup:     kcfg.SaveGroup,
		instanceID:    instanceID,
		lease:         lease,
	}
	return pl
}

type kafkaQueue struct {
	acceptedTopic string
	toSaveTopic   string
	saveGroup     string
	instanceID    string
	lease         *storage.LeaderLease
}

func (q *kafkaQueue) appendAccepted(_ context.Context, m Accepted) error {
	return kafka.SendJSON(q.acceptedTopic, m.key(), encodeEntry(m))
}

func (q *kafkaQueue) appendToSave(_ context.Context, m Accepted) error {
	return kafka.SendJSON(q.toSaveTopic, m.key(), encodeEntry(m))
}

func (q *kafkaQueue) run(ctx context.Context, p *Pipeline) error {
	safe.Go("twophase-deliver-leader", func() { q.runDeliverWithLease(ctx, p) })
	return q.consume(ctx, q.saveGroup, q.toSaveTopic, p.handleToSave)
}

// runDeliverWithLease loops: win the lease, drain while renewing, step back
// when the lease is lost.
func (q *kafkaQueue) runDeliverWithLease(ctx context.Context, p *Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		held, err := q.lease.Acquire(ctx)
		if err != nil || !held {
			time.Sleep(2 * time.Second)
			continue
		}

		drainCtx, cancel := context.WithCancel(ctx)
		safe.Go("twophase-lease-renew", func() {
			t := time.NewTicker(3 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-drainCtx.Done():
					return
				case <-t.C:
					still, err := q.lease.Renew(drainCtx)
					if err != nil || !still {
						logger.Warnf("[twophase] deliver lease lost, stopping drain")
						cancel()
						return
					}
				}
			}
		})

		if err := q.consume(drainCtx, "im-deliver", q.acceptedTopic, p.handleAccepted); err != nil && ctx.Err() == nil {
			logger.Warnf("[twophase] deliver consumer: %v", err)
		}
		cancel()
		_ = q.lease.Release(context.Background())
	}
}

func (q *kafkaQueue) consume(ctx context.Context, group, topic string, handle func(context.Context, Accepted) error) error {
	cg, err := kafka.NewConsumerGroup(group)
	if err != nil {
		return err
	}
	defer func() { _ = cg.Close() }()

	h := &stageHandler{ctx: ctx, handle: handle}
	for {
		if err := cg.Consume(ctx, []string{topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("[twophase] consume %s: %v", topic, err)
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type stageHandler struct {
	ctx    context.Context
	handle func(context.Context, Accepted) error
}

func (h *stageHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *stageHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *stageHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		m, err := decodeEntry(msg.Value)
		if err != nil {
			sess.MarkMessage(msg, "")
			continue
		}
		if err := h.handle(h.ctx, m); err != nil {
			// leave unmarked: the entry is redelivered, duplicate-save is
			// absorbed by the message's primary key
			logger.Warnf("[twophase] stage %s offset %d: %v", claim.Topic(), msg.Offset, err)
			continue
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
