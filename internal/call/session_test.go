package call

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

func TestEndedLingersBeforeIdle(t *testing.T) {
	m, _, _, _ := newTestManager(t, "alice")

	s, err := m.Call("conv1", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	statuses, cancel := s.Watch()
	defer cancel()

	s.End()
	if got := s.Status(); got != StatusEnded {
		t.Fatalf("status = %s immediately after End, want ended", got)
	}

	// The ended state is held briefly so observers can show the outcome,
	// then the session returns to idle and is dropped from the manager.
	deadline := time.After(endedLinger + time.Second)
	for {
		select {
		case st := <-statuses:
			if st == StatusIdle {
				waitFor(t, "session removed", func() bool { return m.Session("conv1") == nil })
				return
			}
		case <-deadline:
			t.Fatal("session never returned to idle")
		}
	}
}

func TestSignalsIgnoredAfterEnd(t *testing.T) {
	m, _, _, factory := newTestManager(t, "alice")

	s, err := m.Call("conv1", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	s.End()

	s.handleSignal(json.RawMessage(`{"type":"answer","sdp":"late"}`))
	if got := factory.last().signalCount(); got != 0 {
		t.Fatalf("signals applied after end = %d, want 0", got)
	}
	s.mu.Lock()
	buffered := s.pending.ok
	s.mu.Unlock()
	if buffered {
		t.Fatal("signal buffered after end")
	}
}

func TestAcceptFailsWhenNotRinging(t *testing.T) {
	m, _, media, _ := newTestManager(t, "alice")

	s, err := m.Call("conv1", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := s.Accept(); err == nil {
		t.Fatal("expected Accept to fail on an outbound call")
	}
	if n := media.acquireCount(); n != 1 {
		t.Fatalf("media acquired %d times, want 1 (only the outbound attempt)", n)
	}
}

func TestPeerErrorTearsDown(t *testing.T) {
	m, sig, media, factory := newTestManager(t, "alice")

	s, err := m.Call("conv1", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	factory.mu.Lock()
	onErr := factory.cfgs[0].OnError
	factory.mu.Unlock()

	onErr(errTest)

	if got := s.Status(); got != StatusEnded {
		t.Fatalf("status = %s, want ended", got)
	}
	if got := media.tracks[0].closeCount(); got != 1 {
		t.Fatalf("track closes = %d, want 1", got)
	}
	if n := sig.countEmits(proto.AudioCall.End); n != 1 {
		t.Fatalf("end emits = %d, want 1", n)
	}
}

func TestToggles(t *testing.T) {
	m, _, _, _ := newTestManager(t, "alice")

	s, err := m.Call("conv1", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !s.ToggleAudio() {
		t.Fatal("first audio toggle should mute")
	}
	if s.ToggleAudio() {
		t.Fatal("second audio toggle should unmute")
	}
	if !s.ToggleVideo() {
		t.Fatal("first video toggle should disable")
	}
}

func TestLocalSignalIsRelayed(t *testing.T) {
	m, sig, _, factory := newTestManager(t, "alice")

	if _, err := m.Call("conv1", "bob"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	factory.mu.Lock()
	onSignal := factory.cfgs[0].OnSignal
	factory.mu.Unlock()

	onSignal(json.RawMessage(`{"type":"offer","sdp":"local"}`))

	if n := sig.countEmits(proto.AudioCall.Signal); n != 1 {
		t.Fatalf("signal emits = %d, want 1", n)
	}
	sig.mu.Lock()
	var last emitRec
	for _, e := range sig.emitted {
		if e.event == proto.AudioCall.Signal {
			last = e
		}
	}
	sig.mu.Unlock()

	var payload proto.CallSignal
	if err := json.Unmarshal(last.data, &payload); err != nil {
		t.Fatalf("decode relayed signal: %v", err)
	}
	if payload.UserID != "alice" || payload.ConversationID != "conv1" {
		t.Fatalf("unexpected signal payload: %+v", payload)
	}
	if string(payload.Signal) != `{"type":"offer","sdp":"local"}` {
		t.Fatalf("signal body altered: %s", payload.Signal)
	}
}

var errTest = errors.New("transport failed")
