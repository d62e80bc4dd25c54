package gateway

import "miniim/tools/errs"

// Stable wire reason codes for ERROR frames.
const (
	ReasonBadJSON           = "bad_json"
	ReasonMissingType       = "missing_type"
	ReasonUnauthorized      = "unauthorized"
	ReasonTokenExpired      = "token_expired"
	ReasonInvalidToken      = "invalid_token"
	ReasonMissingToken      = "missing_token"
	ReasonReauthUIDMismatch = "reauth_uid_mismatch"
	ReasonSessionInvalid    = "session_invalid"

	ReasonMissingMsgID      = "missing_msg_id"
	ReasonMissingTo         = "missing_to"
	ReasonMissingBody       = "missing_body"
	ReasonBodyTooLong       = "body_too_long"
	ReasonCannotSendToSelf  = "cannot_send_to_self"
	ReasonNotGroupMember    = "not_group_member"
	ReasonInternalError     = "internal_error"
	ReasonServerBusy        = "server_busy"
	ReasonNotImplemented    = "not_implemented"
	ReasonMissingAckType    = "missing_ack_type"
	ReasonMissingServerMsg  = "missing_server_msg_id"
	ReasonAckNotAllowed     = "ack_not_allowed"
	ReasonMessageNotFound   = "message_not_found"
	ReasonRevokeNotAllowed  = "revoke_not_allowed"
	ReasonRevokeWindowOver  = "revoke_window_expired"
	ReasonAlreadyFriends    = "already_friends"
	ReasonPeerDisconnect    = "peer_disconnect"

	ReasonCannotCallSelf      = "cannot_call_self"
	ReasonNotFriend           = "not_friend"
	ReasonBusy                = "busy"
	ReasonCalleeOffline       = "callee_offline"
	ReasonCallNotFound        = "call_not_found"
	ReasonCallNotParticipant  = "call_not_participant"
	ReasonOnlyCalleeAccept    = "only_callee_can_accept"
	ReasonOnlyCalleeReject    = "only_callee_can_reject"
	ReasonOnlyCallerCancel    = "only_caller_can_cancel"
	ReasonCallNotRinging      = "call_not_ringing"
	ReasonMissingCallID       = "missing_call_id"
	ReasonMissingSDP          = "missing_sdp"
	ReasonSDPTooLong          = "sdp_too_long"
	ReasonMissingICE          = "missing_ice_candidate"
	ReasonICETooLong          = "ice_candidate_too_long"
	ReasonUnsupportedCallKind = "unsupported_call_kind"
)

var (
	errBadJSON     = errs.New(ReasonBadJSON)
	errMissingType = errs.New(ReasonMissingType)
)
