// Package pipeline implements the two-phase single-chat path: a producer
// stage appends admitted sends to a durable ordered log, a deliver worker
// pushes to the recipient, and a save worker persists and acknowledges.
// Exactly one of the two workers owns the recipient push, chosen by
// DeliverBeforeSave.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"miniim/global/config"
	"miniim/logger"
	"miniim/service/store"
)

// Accepted is one admitted send travelling through the log stages.
type Accepted struct {
	ServerMsgID string `json:"serverMsgId"`
	ClientMsgID string `json:"clientMsgId"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	MsgType     string `json:"msgType,omitempty"`
	SendTs      int64  `json:"sendTs"`
	Producer    string `json:"producer"` // accepting instance
}

func (m *Accepted) key() string {
	return store.PairConversationID(m.From, m.To)
}

// Persister is the storage slice the save stage needs.
type Persister interface {
	GetOrCreateSingle(ctx context.Context, a, b string) (*store.Conversation, error)
	NextSeq(ctx context.Context, conversationID string) (int64, error)
	SaveMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, serverMsgID string) (*store.Message, error)
}

// Hooks are the gateway callbacks. Deliver pushes the full message to the
// recipient (seq is 0 when delivery runs before the sequence exists);
// AckSaved tells the sender the message is durable.
type Hooks struct {
	Deliver  func(ctx context.Context, m Accepted, seq int64)
	AckSaved func(ctx context.Context, m Accepted, seq int64)
}

type queue interface {
	appendAccepted(ctx context.Context, m Accepted) error
	appendToSave(ctx context.Context, m Accepted) error
	run(ctx context.Context, p *Pipeline) error
}

type Pipeline struct {
	cfg        config.TwoPhaseConfig
	instanceID string
	persister  Persister
	hooks      Hooks
	q          queue
}

func newPipeline(cfg config.TwoPhaseConfig, instanceID string, p Persister, h Hooks) *Pipeline {
	return &Pipeline{cfg: cfg, instanceID: instanceID, persister: p, hooks: h}
}

// NewLocal runs both stages in-process over bounded channels.
func NewLocal(cfg config.TwoPhaseConfig, instanceID string, p Persister, h Hooks) *Pipeline {
	pl := newPipeline(cfg, instanceID, p, h)
	pl.q = newLocalQueue(cfg.LocalQueueCap)
	return pl
}

// Produce admits one send into the accepted log. The caller has already won
// the idempotency claim and assigned serverMsgID.
func (p *Pipeline) Produce(ctx context.Context, from, to, clientMsgID, serverMsgID, body, msgType string, sendTs int64) error {
	m := Accepted{
		ServerMsgID: serverMsgID,
		ClientMsgID: clientMsgID,
		From:        from,
		To:          to,
		Body:        body,
		MsgType:     msgType,
		SendTs:      sendTs,
		Producer:    p.instanceID,
	}
	return p.q.appendAccepted(ctx, m)
}

// Run drives the workers until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.q.run(ctx, p)
}

// handleAccepted is the deliver stage: push first when configured, then hand
// off to the save log.
func (p *Pipeline) handleAccepted(ctx context.Context, m Accepted) error {
	if p.cfg.DeliverBeforeSave {
		p.hooks.Deliver(ctx, m, 0)
	}
	return p.q.appendToSave(ctx, m)
}

// handleToSave is the save stage: conversation, sequence, durable write,
// saved ACK, and the recipient push when delivery waits for durability. A
// duplicate key means a retry of an already-saved entry and counts as
// success.
func (p *Pipeline) handleToSave(ctx context.Context, m Accepted) error {
	conv, err := p.persister.GetOrCreateSingle(ctx, m.From, m.To)
	if err != nil {
		return errors.Wrap(err, "two-phase conversation")
	}

	var seq int64
	saved := false
	if existing, err := p.persister.GetMessage(ctx, m.ServerMsgID); err == nil && existing != nil {
		seq = existing.MsgSeq
		saved = true
	}
	if !saved {
		seq, err = p.persister.NextSeq(ctx, conv.ID)
		if err != nil {
			return errors.Wrap(err, "two-phase seq")
		}
		msg := &store.Message{
			ID:             m.ServerMsgID,
			ConversationID: conv.ID,
			From:           m.From,
			To:             m.To,
			Body:           m.Body,
			MsgType:        m.MsgType,
			Status:         store.MsgStatusSaved,
			MsgSeq:         seq,
			ClientMsgID:    m.ClientMsgID,
			CreatedAt:      time.Unix(0, m.SendTs*int64(time.Millisecond)),
		}
		if err := p.persister.SaveMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrMessageExists) {
			return errors.Wrap(err, "two-phase save")
		}
	}

	p.hooks.AckSaved(ctx, m, seq)
	if !p.cfg.DeliverBeforeSave {
		p.hooks.Deliver(ctx, m, seq)
	}
	return nil
}

func encodeEntry(m Accepted) []byte {
	raw, _ := json.Marshal(m)
	return raw
}

func decodeEntry(raw []byte) (Accepted, error) {
	var m Accepted
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Warnf("[twophase] bad log entry: %v", err)
		return m, err
	}
	return m, nil
}
