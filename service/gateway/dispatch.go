package gateway

import (
	"context"

	"miniim/global/config"
	"miniim/logger"
	"miniim/service/storage"
)

// Fanout modes.
const (
	ModeAuto   = "auto"
	ModePush   = "push"
	ModeNotify = "notify"
	ModeNone   = "none"
)

// RouteResolver is the batched remote-presence lookup the dispatcher keys
// its decisions on.
type RouteResolver interface {
	BatchLookup(ctx context.Context, userIDs []string) (map[string]storage.Route, error)
}

// LocalPusher writes to connections owned by this instance.
type LocalPusher interface {
	PushLocal(userID string, raw []byte) bool
}

// BatchForwarder carries batched pushes to another instance.
type BatchForwarder interface {
	PushBatch(instanceID string, users []string, payload []byte) error
}

// Dispatcher fans one group message out to its recipients, choosing between
// full-body push and pointer-only notify from group size and live presence.
type Dispatcher struct {
	cfg        *config.GatewayConfig
	instanceID string
	local      LocalPusher
	routes     RouteResolver
	bus        BatchForwarder
	mode       string
}

func NewDispatcher(cfg *config.GatewayConfig, instanceID string, local LocalPusher, routes RouteResolver, bus BatchForwarder) *Dispatcher {
	return &Dispatcher{cfg: cfg, instanceID: instanceID, local: local, routes: routes, bus: bus, mode: ModeAuto}
}

// ResolveFanoutMode decides push/notify/none. A group past the huge-size
// ceiling gets no fan-out at all under auto or notify; notify additionally
// bails when too many members are online to notify cheaply.
func ResolveFanoutMode(mode string, groupSize, onlineCount int, cfg *config.GatewayConfig) string {
	switch mode {
	case ModePush:
		return ModePush
	case ModeNone:
		return ModeNone
	case ModeNotify:
		if groupSize >= cfg.HugeGroupNoNotifySize {
			return ModeNone
		}
		if onlineCount > cfg.NotifyMaxOnlineUser {
			return ModeNone
		}
		return ModeNotify
	default: // auto
		if groupSize >= cfg.HugeGroupNoNotifySize {
			return ModeNone
		}
		if groupSize >= cfg.GroupSizeThreshold || onlineCount >= cfg.OnlineUserThreshold {
			return ModeNotify
		}
		return ModePush
	}
}

// Dispatch delivers to every member except the sender. The envelope pair is
// serialized once per variant and the bytes reused across recipients. When
// the route store is unavailable the whole strategy degrades to a plain
// local push per member so the message is never dropped on the floor.
func (d *Dispatcher) Dispatch(ctx context.Context, senderID string, members []string, important map[string]bool, full, notify *Envelope) {
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != senderID {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return
	}

	fullNormal := full.Encode()
	fullImportant := withImportant(full)
	notifyNormal := notify.Encode()
	notifyImportant := withImportant(notify)

	routesMap, err := d.routes.BatchLookup(ctx, recipients)
	if err != nil || routesMap == nil {
		logger.Warnf("[fanout] route lookup unavailable, degrading to direct push (group=%s)", full.GroupID)
		for _, uid := range recipients {
			payload := fullNormal
			if important[uid] {
				payload = fullImportant
			}
			d.local.PushLocal(uid, payload)
		}
		return
	}

	groupSize := len(members)
	onlineCount := len(routesMap)
	mode := ResolveFanoutMode(d.mode, groupSize, onlineCount, d.cfg)
	if mode == ModeNone {
		return
	}

	normal, importantBytes := fullNormal, fullImportant
	if mode == ModeNotify {
		normal, importantBytes = notifyNormal, notifyImportant
	}

	// group online recipients by owning instance
	byInstance := make(map[string][]string)
	for _, uid := range recipients {
		r, online := routesMap[uid]
		if !online {
			continue // offline members catch up through resend
		}
		byInstance[r.InstanceID] = append(byInstance[r.InstanceID], uid)
	}

	for instance, users := range byInstance {
		if instance == d.instanceID {
			for _, uid := range users {
				payload := normal
				if important[uid] {
					payload = importantBytes
				}
				d.local.PushLocal(uid, payload)
			}
			continue
		}
		d.forwardBatches(instance, users, important, normal, importantBytes)
	}
}

func (d *Dispatcher) forwardBatches(instance string, users []string, important map[string]bool, normal, importantBytes []byte) {
	var normals, importants []string
	for _, uid := range users {
		if important[uid] {
			importants = append(importants, uid)
		} else {
			normals = append(normals, uid)
		}
	}
	d.sendChunked(instance, normals, normal)
	d.sendChunked(instance, importants, importantBytes)
}

func (d *Dispatcher) sendChunked(instance string, users []string, payload []byte) {
	size := d.cfg.FanoutBatchSize
	for start := 0; start < len(users); start += size {
		end := start + size
		if end > len(users) {
			end = len(users)
		}
		if err := d.bus.PushBatch(instance, users[start:end], payload); err != nil {
			logger.Warnf("[fanout] batch to %s failed (%d users): %v", instance, end-start, err)
		}
	}
}

func withImportant(env *Envelope) []byte {
	cp := *env
	cp.Important = true
	return cp.Encode()
}
