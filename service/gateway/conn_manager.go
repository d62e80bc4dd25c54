package gateway

import (
	"sync"
	"time"

	"miniim/tools/safe"
)

// ConnManager indexes live connections by id and by user. A user may hold
// several connections at once (multi-device); nothing here evicts older ones,
// that is the session-epoch mechanism's job.
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn

	stopCh chan struct{}
}

func NewConnManager() *ConnManager {
	m := &ConnManager{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		stopCh: make(chan struct{}),
	}
	safe.Go("conn-sweeper", m.sweep)
	return m
}

func (m *ConnManager) Add(c *Conn) {
	m.mu.Lock()
	m.byID[c.ID] = c
	m.mu.Unlock()
}

// BindUser indexes an authenticated connection under its user.
func (m *ConnManager) BindUser(c *Conn) {
	uid := c.UserID()
	if uid == "" {
		return
	}
	m.mu.Lock()
	set, ok := m.byUser[uid]
	if !ok {
		set = make(map[string]*Conn)
		m.byUser[uid] = set
	}
	set[c.ID] = c
	m.mu.Unlock()
}

func (m *ConnManager) Remove(c *Conn) {
	m.mu.Lock()
	delete(m.byID, c.ID)
	if uid := c.UserID(); uid != "" {
		if set, ok := m.byUser[uid]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(m.byUser, uid)
			}
		}
	}
	m.mu.Unlock()
}

func (m *ConnManager) Get(connID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[connID]
}

// UserConns snapshots the user's live connections.
func (m *ConnManager) UserConns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) UserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *ConnManager) Stop() { close(m.stopCh) }

// sweep closes connections that never authenticated inside their window and
// authenticated ones whose token has since expired.
func (m *ConnManager) sweep() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			var victims []*Conn
			var reasons []string
			m.mu.RLock()
			for _, c := range m.byID {
				c.mu.Lock()
				unauthTimeout := !c.authorized && now.After(c.authDeadline)
				expired := c.authorized && !now.Before(c.tokenExpiry)
				c.mu.Unlock()
				if unauthTimeout {
					victims = append(victims, c)
					reasons = append(reasons, ReasonUnauthorized)
				} else if expired {
					victims = append(victims, c)
					reasons = append(reasons, ReasonTokenExpired)
				}
			}
			m.mu.RUnlock()
			for i, c := range victims {
				c.Send(errorFrame(reasons[i]))
				c.Close(reasons[i])
			}
		}
	}
}
