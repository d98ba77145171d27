package changefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: logger})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: logger})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if strings.HasSuffix(server.Addr(), ":0") {
		t.Errorf("Addr() = %s, want the bound port", server.Addr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestPublishSubscribe(t *testing.T) {
	server := startServer(t)
	logger, _ := test.NewNullLogger()
	client, err := NewClient("http://"+server.Addr(), logger)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	ctx := context.Background()

	got := make(chan remote.ChangeEvent, 4)
	unsub, err := client.SubscribeChanges(ctx, func(ev remote.ChangeEvent) { got <- ev })
	if err != nil {
		t.Fatalf("SubscribeChanges() failed: %v", err)
	}
	waitFor(t, func() bool { return server.ClientCount() == 1 })

	sent := remote.ChangeEvent{Table: remote.TableOverrides, Op: schema.OpUpsert, ID: "rule@2024-01-03"}
	if err := client.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Table != sent.Table || ev.ID != sent.ID {
			t.Errorf("received %+v, want %+v", ev, sent)
		}
		if ev.At.IsZero() {
			t.Error("relay did not stamp the event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change")
	}

	// in-process publish reaches the same clients
	_ = server.Publish(ctx, remote.ChangeEvent{Table: remote.TableTasks, ID: "t"})
	select {
	case ev := <-got:
		if ev.ID != "t" {
			t.Errorf("received %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the in-process change")
	}

	unsub()
	unsub()
	waitFor(t, func() bool { return server.ClientCount() == 0 })
}

func TestPublishValidation(t *testing.T) {
	server := startServer(t)
	base := "http://" + server.Addr()

	resp, err := http.Get(base + "/publish")
	if err != nil {
		t.Fatalf("GET /publish failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /publish = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(base+"/publish", "application/json", strings.NewReader(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("POST /publish failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST without table = %d, want 400", resp.StatusCode)
	}
}

func TestClientOffline(t *testing.T) {
	server := startServer(t)
	addr := server.Addr()
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	client, _ := NewClient("http://"+addr, nil)
	err := client.Publish(context.Background(), remote.ChangeEvent{Table: remote.TableTasks})
	if !remote.IsTransient(err) {
		t.Errorf("Publish() to a stopped relay = %v, want a transient error", err)
	}
	if _, err := client.SubscribeChanges(context.Background(), func(remote.ChangeEvent) {}); !remote.IsTransient(err) {
		t.Errorf("SubscribeChanges() to a stopped relay = %v, want a transient error", err)
	}
}

func TestNewClientRejectsScheme(t *testing.T) {
	if _, err := NewClient("ws://localhost:1", nil); err == nil {
		t.Error("NewClient() accepted a ws url")
	}
}
