package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"miniim/global/config"
	"miniim/service/store"
)

type memPersister struct {
	mu   sync.Mutex
	seqs map[string]int64
	msgs map[string]*store.Message
}

func newMemPersister() *memPersister {
	return &memPersister{seqs: make(map[string]int64), msgs: make(map[string]*store.Message)}
}

func (p *memPersister) GetOrCreateSingle(_ context.Context, a, b string) (*store.Conversation, error) {
	return &store.Conversation{ID: store.PairConversationID(a, b)}, nil
}

func (p *memPersister) NextSeq(_ context.Context, conversationID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs[conversationID]++
	return p.seqs[conversationID], nil
}

func (p *memPersister) SaveMessage(_ context.Context, m *store.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.msgs[m.ID]; dup {
		return store.ErrMessageExists
	}
	cp := *m
	p.msgs[m.ID] = &cp
	return nil
}

func (p *memPersister) GetMessage(_ context.Context, serverMsgID string) (*store.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.msgs[serverMsgID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

type hookEvent struct {
	kind string // "deliver" or "saved"
	id   string
	seq  int64
}

type hookRecorder struct {
	mu     sync.Mutex
	events []hookEvent
	done   chan struct{}
	want   int
}

func newHookRecorder(want int) *hookRecorder {
	return &hookRecorder{done: make(chan struct{}), want: want}
}

func (r *hookRecorder) add(kind, id string, seq int64) {
	r.mu.Lock()
	r.events = append(r.events, hookEvent{kind, id, seq})
	if len(r.events) == r.want {
		close(r.done)
	}
	r.mu.Unlock()
}

func (r *hookRecorder) wait(t *testing.T) []hookEvent {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hooks")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hookEvent(nil), r.events...)
}

func runLocal(t *testing.T, deliverFirst bool, want int) (*Pipeline, *memPersister, *hookRecorder, context.CancelFunc) {
	t.Helper()
	cfg := config.TwoPhaseConfig{Enabled: true, Mode: "local", DeliverBeforeSave: deliverFirst, LocalQueueCap: 16}
	persister := newMemPersister()
	rec := newHookRecorder(want)
	hooks := Hooks{
		Deliver:  func(_ context.Context, m Accepted, seq int64) { rec.add("deliver", m.ServerMsgID, seq) },
		AckSaved: func(_ context.Context, m Accepted, seq int64) { rec.add("saved", m.ServerMsgID, seq) },
	}
	pl := NewLocal(cfg, "gw-test", persister, hooks)
	ctx, cancel := context.WithCancel(context.Background())
	go pl.Run(ctx)
	return pl, persister, rec, cancel
}

func TestLocalSaveThenDeliver(t *testing.T) {
	pl, persister, rec, cancel := runLocal(t, false, 2)
	defer cancel()

	if err := pl.Produce(context.Background(), "alice", "bob", "c1", "s1", "hi", "", time.Now().UnixMilli()); err != nil {
		t.Fatalf("produce: %v", err)
	}
	events := rec.wait(t)

	if events[0].kind != "saved" || events[1].kind != "deliver" {
		t.Fatalf("save must precede delivery, got %+v", events)
	}
	if events[1].seq != 1 {
		t.Fatalf("delivery after save must carry the real seq, got %d", events[1].seq)
	}
	if persister.msgs["s1"] == nil {
		t.Fatal("message not persisted")
	}
}

func TestLocalDeliverBeforeSave(t *testing.T) {
	pl, _, rec, cancel := runLocal(t, true, 2)
	defer cancel()

	if err := pl.Produce(context.Background(), "alice", "bob", "c1", "s1", "hi", "", time.Now().UnixMilli()); err != nil {
		t.Fatalf("produce: %v", err)
	}
	events := rec.wait(t)

	if events[0].kind != "deliver" || events[0].seq != 0 {
		t.Fatalf("eager delivery must come first with seq 0, got %+v", events)
	}
	if events[1].kind != "saved" || events[1].seq != 1 {
		t.Fatalf("saved ACK must follow with the assigned seq, got %+v", events)
	}
}

func TestLocalRetryReusesSeq(t *testing.T) {
	cfg := config.TwoPhaseConfig{Enabled: true, Mode: "local", LocalQueueCap: 16}
	persister := newMemPersister()
	var seqs []int64
	var mu sync.Mutex
	hooks := Hooks{
		Deliver: func(_ context.Context, _ Accepted, _ int64) {},
		AckSaved: func(_ context.Context, _ Accepted, seq int64) {
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		},
	}
	pl := newPipeline(cfg, "gw-test", persister, hooks)

	m := Accepted{ServerMsgID: "s1", ClientMsgID: "c1", From: "alice", To: "bob", Body: "hi"}
	for i := 0; i < 2; i++ {
		if err := pl.handleToSave(context.Background(), m); err != nil {
			t.Fatalf("handleToSave #%d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 1 {
		t.Fatalf("redelivery must reuse the stored seq, got %v", seqs)
	}
	if persister.seqs[store.PairConversationID("alice", "bob")] != 1 {
		t.Fatal("retry must not burn a second sequence number")
	}
}

func TestLocalQueueFull(t *testing.T) {
	q := newLocalQueue(1)
	ctx := context.Background()
	if err := q.appendAccepted(ctx, Accepted{ServerMsgID: "s1"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := q.appendAccepted(ctx, Accepted{ServerMsgID: "s2"}); err != ErrQueueFull {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestEntryRoundtrip(t *testing.T) {
	in := Accepted{ServerMsgID: "s1", ClientMsgID: "c1", From: "alice", To: "bob", Body: "hi", SendTs: 42, Producer: "gw-a"}
	out, err := decodeEntry(encodeEntry(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: %+v != %+v", out, in)
	}
}
