package gateway

import (
	"testing"

	"miniim/service/store"
)

func TestDuplicateAckPersisted(t *testing.T) {
	msg := &store.Message{ID: "srv-1", MsgSeq: 7}
	ack := duplicateAck("m-1", "srv-1", msg)
	if ack.AckType != AckSaved {
		t.Fatalf("durable duplicate should ACK saved, got %q", ack.AckType)
	}
	if ack.ServerMsgID != "srv-1" || ack.ClientMsgID != "m-1" || ack.MsgSeq != 7 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

// A retry can land while the first claim is still in flight through the
// pipeline; the message has no seq yet, so asserting saved would hand the
// client a bogus msgSeq of zero.
func TestDuplicateAckStillInFlight(t *testing.T) {
	ack := duplicateAck("m-1", "srv-1", nil)
	if ack.AckType != AckAccepted {
		t.Fatalf("unpersisted duplicate should ACK accepted, got %q", ack.AckType)
	}
	if ack.ServerMsgID != "srv-1" || ack.MsgSeq != 0 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
