package cluster

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"miniim/logger"
)

const subjectPrefix = "im.gw.ctrl."

const (
	KindKick      = "kick"
	KindPush      = "push"
	KindPushBatch = "push_batch"
)

// ControlMessage travels between gateway instances on the per-instance
// subject. Payload is a pre-serialized wire envelope so the receiving side
// writes it through without re-encoding.
type ControlMessage struct {
	Kind       string          `json:"kind"`
	UserID     string          `json:"userId,omitempty"`
	Users      []string        `json:"users,omitempty"`
	ExceptConn string          `json:"exceptConn,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Bus is the inter-instance control channel, one subject per gateway.
type Bus struct {
	nc         *nats.Conn
	instanceID string
	sub        *nats.Subscription
}

func Connect(url, instanceID string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("im-gateway-"+instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &Bus{nc: nc, instanceID: instanceID}, nil
}

func Subject(instanceID string) string { return subjectPrefix + instanceID }

// Subscribe binds the local instance's subject. Handler runs on the nats
// delivery goroutine; keep it quick and hand off real work.
func (b *Bus) Subscribe(handler func(ControlMessage)) error {
	sub, err := b.nc.Subscribe(Subject(b.instanceID), func(m *nats.Msg) {
		var cm ControlMessage
		if err := json.Unmarshal(m.Data, &cm); err != nil {
			logger.Warnf("[cluster] bad control message: %v", err)
			return
		}
		handler(cm)
	})
	if err != nil {
		return errors.Wrap(err, "cluster subscribe")
	}
	b.sub = sub
	return nil
}

func (b *Bus) publish(instanceID string, cm ControlMessage) error {
	raw, err := json.Marshal(cm)
	if err != nil {
		return errors.Wrap(err, "encode control message")
	}
	return errors.Wrap(b.nc.Publish(Subject(instanceID), raw), "cluster publish")
}

// Kick asks the owning instance to close a user's superseded connections.
func (b *Bus) Kick(instanceID, userID, exceptConn, reason string) error {
	return b.publish(instanceID, ControlMessage{
		Kind: KindKick, UserID: userID, ExceptConn: exceptConn, Reason: reason,
	})
}

func (b *Bus) Push(instanceID, userID string, payload []byte) error {
	return b.publish(instanceID, ControlMessage{
		Kind: KindPush, UserID: userID, Payload: payload,
	})
}

// PushBatch fans one envelope out to many users on the target instance.
func (b *Bus) PushBatch(instanceID string, users []string, payload []byte) error {
	return b.publish(instanceID, ControlMessage{
		Kind: KindPushBatch, Users: users, Payload: payload,
	})
}

func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
}
