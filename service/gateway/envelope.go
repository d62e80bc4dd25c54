package gateway

import (
	"encoding/json"
	"time"
)

// Frame types carried in the envelope's type discriminator.
const (
	TypeAuth     = "AUTH"
	TypeAuthOK   = "AUTH_OK"
	TypeAuthFail = "AUTH_FAIL"
	TypeReauth   = "REAUTH"
	TypePing     = "PING"
	TypePong     = "PONG"

	TypeSingleChat  = "SINGLE_CHAT"
	TypeGroupChat   = "GROUP_CHAT"
	TypeGroupNotify = "GROUP_NOTIFY"
	TypeAck         = "ACK"
	TypeError       = "ERROR"

	TypeFriendRequest  = "FRIEND_REQUEST"
	TypeMessageRevoke  = "MESSAGE_REVOKE"
	TypeMessageRevoked = "MESSAGE_REVOKED"

	TypeCallInvite  = "CALL_INVITE"
	TypeCallAccept  = "CALL_ACCEPT"
	TypeCallReject  = "CALL_REJECT"
	TypeCallCancel  = "CALL_CANCEL"
	TypeCallEnd     = "CALL_END"
	TypeCallICE     = "CALL_ICE"
	TypeCallTimeout = "CALL_TIMEOUT"
	TypeCallError   = "CALL_ERROR"
)

// ACK subtypes; received/ack_receive and ack_read are accepted aliases.
const (
	AckDelivered = "delivered"
	AckRead      = "read"
	AckAccepted  = "accepted"
	AckSaved     = "saved"
)

// Envelope is the single JSON frame structure used in both directions.
// Every field except Type is optional and meaningful only for some types.
type Envelope struct {
	Type        string   `json:"type"`
	ClientMsgID string   `json:"clientMsgId,omitempty"`
	ServerMsgID string   `json:"serverMsgId,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	GroupID     string   `json:"groupId,omitempty"`
	MsgSeq      int64    `json:"msgSeq,omitempty"`
	Body        string   `json:"body,omitempty"`
	MsgType     string   `json:"msgType,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	ReplyTo     string   `json:"replyToServerMsgId,omitempty"`
	Important   bool     `json:"important,omitempty"`
	Ts          int64    `json:"ts,omitempty"`
	Token       string   `json:"token,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	AckType     string   `json:"ackType,omitempty"`

	CallID    string `json:"callId,omitempty"`
	CallKind  string `json:"callKind,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// DecodeEnvelope rejects frames that are not JSON objects or carry no type.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errBadJSON
	}
	if env.Type == "" {
		return nil, errMissingType
	}
	return &env, nil
}

func (e *Envelope) Encode() []byte {
	raw, _ := json.Marshal(e)
	return raw
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func errorFrame(reason string) *Envelope {
	return &Envelope{Type: TypeError, Reason: reason, Ts: nowMillis()}
}

// errorFrameFor echoes the identifiers of the frame that failed so the
// client can correlate.
func errorFrameFor(reason string, src *Envelope) *Envelope {
	env := errorFrame(reason)
	if src != nil {
		env.ClientMsgID = src.ClientMsgID
		env.ServerMsgID = src.ServerMsgID
		env.CallID = src.CallID
	}
	return env
}

// normalizeAckType folds the recognized aliases; empty result means the
// value is unsupported.
func normalizeAckType(t string) string {
	switch t {
	case AckDelivered, "received", "ack_receive":
		return AckDelivered
	case AckRead, "ack_read":
		return AckRead
	default:
		return ""
	}
}
