package gateway

import "testing"

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"SINGLE_CHAT","to":"bob","body":"hi","clientMsgId":"m1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeSingleChat || env.To != "bob" || env.ClientMsgID != "m1" {
		t.Fatalf("bad decode: %+v", env)
	}
}

func TestDecodeEnvelopeBadJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{not json`)); err != errBadJSON {
		t.Fatalf("want bad_json, got %v", err)
	}
}

func TestDecodeEnvelopeMissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"to":"bob"}`)); err != errMissingType {
		t.Fatalf("want missing_type, got %v", err)
	}
}

func TestNormalizeAckType(t *testing.T) {
	cases := map[string]string{
		"delivered":   AckDelivered,
		"received":    AckDelivered,
		"ack_receive": AckDelivered,
		"read":        AckRead,
		"ack_read":    AckRead,
		"bogus":       "",
		"":            "",
	}
	for in, want := range cases {
		if got := normalizeAckType(in); got != want {
			t.Errorf("normalizeAckType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorFrameEchoesIdentifiers(t *testing.T) {
	src := &Envelope{Type: TypeSingleChat, ClientMsgID: "m1", ServerMsgID: "s1"}
	out := errorFrameFor(ReasonBodyTooLong, src)
	if out.Type != TypeError || out.Reason != ReasonBodyTooLong {
		t.Fatalf("bad error frame: %+v", out)
	}
	if out.ClientMsgID != "m1" || out.ServerMsgID != "s1" {
		t.Fatalf("identifiers not echoed: %+v", out)
	}
}
