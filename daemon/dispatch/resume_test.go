package dispatch

import (
	"testing"

	"github.com/portlink/backend/daemon/protocol"
)

func TestResumeQueue_ParkDrainRoundTrip(t *testing.T) {
	q := openTestResume(t)

	for i := uint32(1); i <= 3; i++ {
		env := NewEnvelope(&protocol.Message{
			InfoType: protocol.InfoSTCNormal,
			SeqNum:   i,
			Priority: protocol.PriorityMedium,
			TargetID: "node-1",
			Message:  "payload",
		})
		if err := q.Park("node-1", env); err != nil {
			t.Fatalf("Park: %v", err)
		}
	}

	envs, err := q.Drain("node-1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("drained %d, want 3", len(envs))
	}
	for i, env := range envs {
		if env.Msg.SeqNum != uint32(i+1) {
			t.Errorf("park order broken: pos %d seq %d", i, env.Msg.SeqNum)
		}
		if env.Priority != protocol.PriorityMedium {
			t.Errorf("priority lost: %v", env.Priority)
		}
		if env.Msg.Message != "payload" {
			t.Errorf("payload lost: %q", env.Msg.Message)
		}
	}

	// Second drain finds nothing.
	envs, err = q.Drain("node-1")
	if err != nil || len(envs) != 0 {
		t.Fatalf("second drain = %d, %v; want empty", len(envs), err)
	}
}

func TestResumeQueue_PerTargetIsolation(t *testing.T) {
	q := openTestResume(t)

	a := NewEnvelope(&protocol.Message{InfoType: protocol.InfoSTCNormal, SeqNum: 1, TargetID: "a"})
	b := NewEnvelope(&protocol.Message{InfoType: protocol.InfoSTCNormal, SeqNum: 2, TargetID: "b"})
	if err := q.Park("a", a); err != nil {
		t.Fatal(err)
	}
	if err := q.Park("b", b); err != nil {
		t.Fatal(err)
	}

	if n, err := q.Parked(); err != nil || n != 2 {
		t.Fatalf("Parked = %d, %v; want 2", n, err)
	}

	envs, err := q.Drain("a")
	if err != nil || len(envs) != 1 || envs[0].Msg.SeqNum != 1 {
		t.Fatalf("drain a = %v, %v", envs, err)
	}
	if n, _ := q.Parked(); n != 1 {
		t.Fatalf("target b lost its envelope: %d parked", n)
	}
}

func TestResumeQueue_EmptyTargetID(t *testing.T) {
	q := openTestResume(t)
	env := NewEnvelope(&protocol.Message{InfoType: protocol.InfoSTCNormal})
	if err := q.Park("", env); err == nil {
		t.Fatal("expected error for empty target id")
	}
}
