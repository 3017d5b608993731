package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/broly1009a/studymate-rtc/internal/hub"
	"github.com/broly1009a/studymate-rtc/internal/proto"
	"github.com/broly1009a/studymate-rtc/internal/relay"
	"github.com/broly1009a/studymate-rtc/internal/storage"
)

func startHub(t *testing.T) *hub.Server {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := hub.New("127.0.0.1:0", store, "")
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	return srv
}

func TestEmitReachesRoomSubscribers(t *testing.T) {
	srv := startHub(t)

	alice := relay.New(srv.WSURL(), "alice")
	bob := relay.New(srv.WSURL(), "bob")
	t.Cleanup(func() { alice.Close(); bob.Close() })

	if err := alice.Connect(); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(); err != nil {
		t.Fatalf("bob connect: %v", err)
	}

	ch, cancel := bob.Subscribe("ping")
	defer cancel()

	if err := alice.JoinRoom("conv1"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.JoinRoom("conv1"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // joins settle on the hub

	if err := alice.Emit("ping", "conv1", map[string]string{"hello": "bob"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-ch:
		if env.From != "alice" {
			t.Fatalf("from = %q, want alice", env.From)
		}
		var payload map[string]string
		if err := env.Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["hello"] != "bob" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the event")
	}
}

func TestSenderDoesNotReceiveOwnEmit(t *testing.T) {
	srv := startHub(t)

	alice := relay.New(srv.WSURL(), "alice")
	t.Cleanup(func() { alice.Close() })

	ch, cancel := alice.Subscribe("ping")
	defer cancel()

	if err := alice.JoinRoom("conv1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := alice.Emit("ping", "conv1", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-ch:
		t.Fatalf("sender received own %s event", env.Event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	conn := relay.New("ws://127.0.0.1:1/ws", "alice") // never dialed

	ch, cancel := conn.Subscribe("ping")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got a value")
		}
	default:
		t.Fatal("channel not closed after cancel")
	}

	// Double cancel must not panic.
	cancel()
}

func TestLazyConnectOnEmit(t *testing.T) {
	srv := startHub(t)

	// No explicit Connect; the first Emit dials.
	conn := relay.New(srv.WSURL(), "alice")
	t.Cleanup(func() { conn.Close() })

	if err := conn.Emit("ping", "conv1", nil); err != nil {
		t.Fatalf("emit with lazy connect: %v", err)
	}

	if err := conn.Emit("ping", "conv1", make(chan int)); err == nil {
		t.Fatal("expected marshal error for unencodable payload")
	}

	sub := proto.EventNewMessage
	_, cancel := conn.Subscribe(sub)
	cancel()
}
