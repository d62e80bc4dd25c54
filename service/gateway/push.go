package gateway

import (
	"context"

	"miniim/logger"
)

// PushLocal writes raw to every live local connection of the user. Returns
// true if at least one write was accepted.
func (g *Gateway) PushLocal(userID string, raw []byte) bool {
	ok := false
	for _, c := range g.conns.UserConns(userID) {
		if c.SendRaw(raw) {
			ok = true
		}
	}
	return ok
}

// PushToUser delivers raw to the user wherever they are connected: local
// connections first, then the routed instance over the cluster bus. Route
// store unavailability degrades to local-only delivery.
func (g *Gateway) PushToUser(ctx context.Context, userID string, raw []byte) bool {
	if g.PushLocal(userID, raw) {
		return true
	}
	route, err := g.routes.Lookup(ctx, userID)
	if err != nil || route == nil {
		return false
	}
	if route.InstanceID == g.instanceID {
		// route says here but no live conn; stale entry
		return false
	}
	if err := g.bus.Push(route.InstanceID, userID, raw); err != nil {
		logger.Warnf("[push] bus push to %s for %s: %v", route.InstanceID, userID, err)
		return false
	}
	return true
}

// UserReachable is the call-signaling "callee online" check: any live local
// connection or a routed one elsewhere.
func (g *Gateway) UserReachable(ctx context.Context, userID string) bool {
	if g.conns.UserOnline(userID) {
		return true
	}
	route, err := g.routes.Lookup(ctx, userID)
	return err == nil && route != nil
}
