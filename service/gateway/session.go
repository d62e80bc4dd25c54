package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"miniim/logger"
)

type sessionBumpRequest struct {
	UserID     string `json:"userId"`
	ExceptConn string `json:"exceptConn,omitempty"`
}

// handleSessionBump is the login-service hook behind a new login: it bumps
// the user's session epoch and evicts superseded connections cluster-wide.
// exceptConn spares the connection the fresh token was minted for, if the
// caller knows it.
func (g *Gateway) handleSessionBump(c *gin.Context) {
	var req sessionBumpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	v, err := g.ForceNewLogin(c.Request.Context(), req.UserID, req.ExceptConn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionVersion": v})
}

// ForceNewLogin bumps the session epoch and kicks the user's live
// connections wherever they are: local ones directly, the routed remote
// owner through its control subject. The remote instance excludes exceptConn
// the same way this one does.
func (g *Gateway) ForceNewLogin(ctx context.Context, userID, exceptConn string) (int64, error) {
	v, err := g.sessVers.Bump(ctx, userID)
	if err != nil {
		return 0, err
	}
	g.kickLocal(userID, exceptConn, ReasonSessionInvalid)
	if route, err := g.routes.Lookup(ctx, userID); err == nil && route != nil && route.InstanceID != g.instanceID {
		if err := g.bus.Kick(route.InstanceID, userID, exceptConn, ReasonSessionInvalid); err != nil {
			logger.Warnf("[session] kick %s on %s: %v", userID, route.InstanceID, err)
		}
	}
	logger.Infof("[session] %s bumped to epoch %d", userID, v)
	return v, nil
}

// kickLocal closes this instance's connections for the user, sparing
// exceptConn. Both the cluster kick receiver and the bump hook funnel here.
func (g *Gateway) kickLocal(userID, exceptConn, reason string) {
	for _, c := range g.conns.UserConns(userID) {
		if c.ID == exceptConn {
			continue
		}
		c.Send(errorFrame(reason))
		g.teardown(c, reason)
	}
}
