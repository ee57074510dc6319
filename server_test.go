package filed

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/storage/memory"
	"pkt.systems/filed/internal/wire"
)

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("start: %v", err)
		}
	})
	return srv
}

type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec *wire.Codec
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, codec: wire.NewCodec(conn, DefaultMaxMessageBytes)}
}

func (c *testClient) send(requestType string, payload any) {
	c.t.Helper()
	if err := c.codec.WriteJSON(api.NewRequest(requestType, payload)); err != nil {
		c.t.Fatalf("send %s: %v", requestType, err)
	}
}

func (c *testClient) recv() api.Response {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := c.codec.ReadFrame()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var resp api.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
	return resp
}

func (c *testClient) roundTrip(requestType string, payload any) api.Response {
	c.t.Helper()
	c.send(requestType, payload)
	resp := c.recv()
	if resp.Type != api.ResponseType(requestType) {
		c.t.Fatalf("response type = %q, want %q", resp.Type, api.ResponseType(requestType))
	}
	return resp
}

func (c *testClient) auth(username string) api.Response {
	c.t.Helper()
	resp := c.roundTrip(api.TypeAuth, api.AuthPayload{Username: username})
	if !resp.OK() {
		c.t.Fatalf("auth %s: %d %s", username, resp.Status, resp.Message)
	}
	return resp
}

func (c *testClient) expectEvent(eventType, file string) api.Event {
	c.t.Helper()
	resp := c.recv()
	if resp.Type != eventType {
		c.t.Fatalf("event type = %q, want %q", resp.Type, eventType)
	}
	var ev api.Event
	if err := json.Unmarshal(resp.Payload, &ev); err != nil {
		c.t.Fatalf("decode event payload: %v", err)
	}
	if ev.File != file {
		c.t.Fatalf("event file = %q, want %q", ev.File, file)
	}
	return ev
}

func TestServerCollaborationOverTCP(t *testing.T) {
	store := memory.New()
	store.Seed(map[string]string{"notes.txt": "v1"})
	srv := startTestServer(t, Config{Store: "mem://"}, WithBackend(store))

	alice := dialServer(t, srv)
	bob := dialServer(t, srv)

	authResp := alice.auth("alice")
	var snapshot api.AuthResult
	if err := json.Unmarshal(authResp.Payload, &snapshot); err != nil {
		t.Fatalf("decode auth payload: %v", err)
	}
	if _, ok := snapshot.Files["notes.txt"]; !ok {
		t.Fatalf("auth snapshot missing seeded file: %v", snapshot.Files)
	}
	bob.auth("bob")

	if resp := alice.roundTrip(api.TypeLock, api.FilePayload{File: "notes.txt"}); !resp.OK() {
		t.Fatalf("lock: %d %s", resp.Status, resp.Message)
	}
	ev := bob.expectEvent(api.EventFileLocked, "notes.txt")
	if ev.User != "alice" {
		t.Fatalf("lock event user = %q, want alice", ev.User)
	}

	if resp := bob.roundTrip(api.TypeView, api.FilePayload{File: "notes.txt"}); !resp.OK() {
		t.Fatalf("view: %d %s", resp.Status, resp.Message)
	}

	if resp := alice.roundTrip(api.TypeUpdate, api.ContentPayload{File: "notes.txt", Content: "v2"}); !resp.OK() {
		t.Fatalf("update: %d %s", resp.Status, resp.Message)
	}
	ev = bob.expectEvent(api.EventFileUpdated, "notes.txt")
	if ev.Content != "v2" {
		t.Fatalf("update event content = %q, want v2", ev.Content)
	}

	if resp := bob.roundTrip(api.TypeLock, api.FilePayload{File: "notes.txt"}); resp.Status != api.StatusForbidden {
		t.Fatalf("lock while held status = %d, want 403", resp.Status)
	}

	if resp := alice.roundTrip(api.TypeRelease, api.FilePayload{File: "notes.txt"}); !resp.OK() {
		t.Fatalf("release: %d %s", resp.Status, resp.Message)
	}
	bob.expectEvent(api.EventFileReleased, "notes.txt")

	got, err := store.Read(context.Background(), "notes.txt")
	if err != nil || got != "v2" {
		t.Fatalf("stored content = %q, %v; want v2", got, err)
	}
}

func TestServerRejectsMalformedFrames(t *testing.T) {
	srv := startTestServer(t, Config{Store: "mem://"})
	c := dialServer(t, srv)

	if err := c.codec.WriteJSON(map[string]any{"not": "a request"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := c.recv()
	if resp.Type != api.TypeError || resp.Status != api.StatusInvalid {
		t.Fatalf("malformed frame response = %q/%d, want ERROR/400", resp.Type, resp.Status)
	}

	// The connection survives a malformed message.
	c.auth("carol")
}

func TestServerDisconnectReleasesLocks(t *testing.T) {
	store := memory.New()
	store.Seed(map[string]string{"draft.md": "x"})
	srv := startTestServer(t, Config{Store: "mem://"}, WithBackend(store))

	alice := dialServer(t, srv)
	bob := dialServer(t, srv)
	alice.auth("alice")
	bob.auth("bob")

	if resp := alice.roundTrip(api.TypeLock, api.FilePayload{File: "draft.md"}); !resp.OK() {
		t.Fatalf("lock: %d %s", resp.Status, resp.Message)
	}
	bob.expectEvent(api.EventFileLocked, "draft.md")

	_ = alice.conn.Close()
	ev := bob.expectEvent(api.EventFileReleased, "draft.md")
	if ev.User != "alice" {
		t.Fatalf("release event user = %q, want alice", ev.User)
	}

	if resp := bob.roundTrip(api.TypeLock, api.FilePayload{File: "draft.md"}); !resp.OK() {
		t.Fatalf("lock after disconnect: %d %s", resp.Status, resp.Message)
	}
}

func TestServerDiskStoreWatcher(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, Config{Store: "disk://" + dir, WatchStore: true})

	c := dialServer(t, srv)
	c.auth("alice")

	if err := os.WriteFile(filepath.Join(dir, "dropped.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	ev := c.expectEvent(api.EventFileAdded, "dropped.txt")
	if ev.User != "" {
		t.Fatalf("external event user = %q, want empty", ev.User)
	}

	if err := os.Remove(filepath.Join(dir, "dropped.txt")); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	c.expectEvent(api.EventFileDeleted, "dropped.txt")
}

func TestServerUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "filed.sock")
	srv, err := NewServer(Config{Listen: socket, ListenProto: "unix", Store: "mem://"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	c := &testClient{t: t, conn: conn, codec: wire.NewCodec(conn, DefaultMaxMessageBytes)}
	c.auth("alice")
	_ = conn.Close()
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("unix socket not removed on shutdown: %v", err)
	}
}
