package events

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestTraceSinkWritesOneEventPerCompletedTarget(t *testing.T) {
	b := New()
	sub := b.Subscribe(16)
	var buf bytes.Buffer
	sink := NewTraceSink(&buf)
	done := make(chan struct{})
	go func() {
		sink.Run(sub)
		close(done)
	}()

	b.Publish(Event{Kind: TargetStarted, TargetID: "//a:lib"})
	b.Publish(Event{Kind: TargetCompleted, TargetID: "//a:lib"})
	b.Publish(Event{Kind: TargetStarted, TargetID: "//b:broken"})
	b.Publish(Event{Kind: TargetFailed, TargetID: "//b:broken"})
	sub.Unsubscribe()
	<-done

	var events []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("trace output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(events) != 2 {
		t.Fatalf("got %d trace events, want 2", len(events))
	}
	if events[0]["name"] != "//a:lib" || events[0]["ph"] != "X" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1]["name"] != "//b:broken" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if args, ok := events[1]["args"].(map[string]interface{}); !ok || args["failed"] != true {
		t.Errorf("failed target should carry args.failed = true, got %+v", events[1]["args"])
	}
}
