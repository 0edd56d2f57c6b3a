package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestMultiSink_FansOutAndSkipsNil(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	var count int
	sink := NewMultiSink(a, nil, b, NewCallbackSink(func(ctx context.Context, e models.Event) { count++ }))

	sink.Emit(context.Background(), models.Event{Type: models.EventSessionReady})

	if len(a.Events()) != 1 || len(b.Events()) != 1 || count != 1 {
		t.Fatalf("fan-out failed: a=%d b=%d cb=%d", len(a.Events()), len(b.Events()), count)
	}
}

func TestWriterSink_JSONL(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEventEmitter("sess-7", NewWriterSink(&buf))

	emitter.SessionReady(context.Background(), models.SessionEventPayload{Model: "m"})
	emitter.StatusChanged(context.Background(), models.StatusIdle, models.StatusGenerating)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("invalid line: %v", err)
	}
	if decoded["sessionId"] != "sess-7" || decoded["type"] != "status.changed" {
		t.Fatalf("decoded = %v", decoded)
	}
}

func TestWriterSink_KeepsSessionOrder(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	emitter := NewEventEmitter("sess-8", NewMultiSink(NewWriterSink(&buf)))

	for i := 0; i < 20; i++ {
		emitter.MessageDelta(ctx, "turn", "msg", models.BlockContent, "x")
		emitter.MessageBlock(ctx, "turn", "msg", models.Block{ID: "b", Type: models.BlockContent, Text: "x"})
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 40 {
		t.Fatalf("expected 40 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e struct {
			Type string `json:"type"`
			Seq  uint64 `json:"seq"`
		}
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		want := "message.delta"
		if i%2 == 1 {
			want = "message.block"
		}
		if e.Seq != uint64(i+1) || e.Type != want {
			t.Fatalf("line %d = %s seq %d, want %s seq %d", i, e.Type, e.Seq, want, i+1)
		}
	}
}
