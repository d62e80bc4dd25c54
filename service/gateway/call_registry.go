package gateway

import (
	"sync"
	"time"
)

type CallState string

const (
	CallRinging  CallState = "RINGING"
	CallAccepted CallState = "ACCEPTED"
	CallRejected CallState = "REJECTED"
	CallCanceled CallState = "CANCELED"
	CallEnded    CallState = "ENDED"
	CallMissed   CallState = "MISSED"
	CallFailed   CallState = "FAILED"
)

type CallSession struct {
	ID         string
	CallerID   string
	CalleeID   string
	Kind       string // audio | video
	State      CallState
	CreatedAt  time.Time
	AcceptedAt time.Time

	ringTimer *time.Timer
}

func (s *CallSession) PeerOf(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

func (s *CallSession) IsParticipant(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// CallRegistry enforces at most one active call per user. Both indexes are
// mutated under one lock, so two racing invites can never both claim the
// same participant.
type CallRegistry struct {
	mu           sync.Mutex
	callsByID    map[string]*CallSession
	activeByUser map[string]string // userId -> callId
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		callsByID:    make(map[string]*CallSession),
		activeByUser: make(map[string]string),
	}
}

// TryCreate inserts the call unless either participant is already busy.
func (r *CallRegistry) TryCreate(callID, callerID, calleeID, kind string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.activeByUser[callerID]; busy {
		return nil, false
	}
	if _, busy := r.activeByUser[calleeID]; busy {
		return nil, false
	}
	s := &CallSession{
		ID:        callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		State:     CallRinging,
		CreatedAt: time.Now(),
	}
	r.callsByID[callID] = s
	r.activeByUser[callerID] = callID
	r.activeByUser[calleeID] = callID
	return s, true
}

func (r *CallRegistry) Get(callID string) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callsByID[callID]
}

func (r *CallRegistry) ActiveForUser(userID string) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.activeByUser[userID]; ok {
		return r.callsByID[id]
	}
	return nil
}

// Accept moves RINGING -> ACCEPTED and disarms the ring timer.
func (r *CallRegistry) Accept(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.callsByID[callID]
	if !ok || s.State != CallRinging {
		return s, false
	}
	s.State = CallAccepted
	s.AcceptedAt = time.Now()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	return s, true
}

// Terminate moves the call to a terminal state and frees both participants.
// Returns false when the call is gone or requiredFrom doesn't match.
func (r *CallRegistry) Terminate(callID string, to CallState, requiredFrom ...CallState) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.callsByID[callID]
	if !ok {
		return nil, false
	}
	if len(requiredFrom) > 0 {
		matched := false
		for _, f := range requiredFrom {
			if s.State == f {
				matched = true
				break
			}
		}
		if !matched {
			return s, false
		}
	}
	s.State = to
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	delete(r.callsByID, callID)
	delete(r.activeByUser, s.CallerID)
	delete(r.activeByUser, s.CalleeID)
	return s, true
}

// ArmRingTimer attaches the timeout watchdog to a still-ringing call.
func (r *CallRegistry) ArmRingTimer(callID string, d time.Duration, onTimeout func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.callsByID[callID]; ok && s.State == CallRinging {
		s.ringTimer = time.AfterFunc(d, onTimeout)
	}
}
