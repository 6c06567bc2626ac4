package usage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestKey_Shape(t *testing.T) {
	key := Key("s1", "s1:seg:4", "Hola a todos")
	if !strings.HasPrefix(key, "tts:s1:s1:seg:4:") {
		t.Errorf("key = %q, want tts:<session>:<segment>:<hash> shape", key)
	}
	parts := strings.Split(key, ":")
	if hash := parts[len(parts)-1]; len(hash) != 8 {
		t.Errorf("hash suffix = %q, want 8 hex chars", hash)
	}
}

func TestKey_DependsOnText(t *testing.T) {
	if Key("s1", "seg", "one") == Key("s1", "seg", "two") {
		t.Error("different texts produced the same key")
	}
	if Key("s1", "seg", "one") != Key("s1", "seg", "one") {
		t.Error("key not stable for identical inputs")
	}
}

func TestMemorySink_Idempotent(t *testing.T) {
	sink := NewMemorySink()
	ev := Event{
		Key:        Key("s1", "s1:seg:1", "Hola"),
		SessionID:  "s1",
		SegmentID:  "s1:seg:1",
		Provider:   "elevenlabs",
		Characters: 4,
		OccurredAt: time.Now(),
	}

	for i := 0; i < 3; i++ {
		if err := sink.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if sink.Len() != 1 {
		t.Errorf("Len = %d, want replays collapsed to 1", sink.Len())
	}

	ev2 := ev
	ev2.Key = Key("s1", "s1:seg:2", "Hola")
	_ = sink.Record(context.Background(), ev2)
	if sink.Len() != 2 {
		t.Errorf("Len = %d, want 2 distinct events", sink.Len())
	}
}
