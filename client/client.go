// Package client implements the filed protocol client: a connection with one
// request in flight at a time, asynchronous delivery of broadcast
// notifications, and an optional local mirror of viewed files.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/logutil"
	"pkt.systems/filed/internal/wire"
)

// DefaultDialTimeout bounds connection establishment when none is configured.
const DefaultDialTimeout = 10 * time.Second

// Notification is a server broadcast delivered outside the request/response
// flow.
type Notification struct {
	Type    string
	Message string
	Event   api.Event
}

// NotifyFunc receives broadcast notifications. It is called from the client's
// read loop, so it must not issue requests on the same client.
type NotifyFunc func(Notification)

// Config describes how to reach a filed server.
type Config struct {
	// Addr is the server address. For unix sockets this is the socket path.
	Addr string
	// Proto selects the dial network: tcp (default), tcp4, tcp6, or unix.
	Proto string
	// MaxMessageBytes caps a single framed message. Zero uses the wire default.
	MaxMessageBytes int64
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// OnNotify receives broadcast notifications. Nil discards them.
	OnNotify NotifyFunc
	// Logger receives client diagnostics. Nil disables logging.
	Logger pslog.Logger
}

// RemoteError is returned when the server rejects a request. It carries the
// protocol status and human-readable message from the response envelope.
type RemoteError struct {
	Type    string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

// ErrClosed is returned for requests issued after the connection ended.
var ErrClosed = errors.New("client: connection closed")

// Client is a filed protocol client. Request methods are safe for concurrent
// use; requests are serialized on the wire.
type Client struct {
	conn   net.Conn
	codec  *wire.Codec
	logger pslog.Logger
	notify NotifyFunc

	reqMu sync.Mutex // one request in flight at a time

	responses chan api.Response
	readDone  chan struct{}

	mu       sync.Mutex
	readErr  error
	username string

	closeOnce sync.Once
}

// Dial connects to a filed server and starts the notification read loop.
func Dial(cfg Config) (*Client, error) {
	proto := cfg.Proto
	if proto == "" {
		proto = "tcp"
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	conn, err := net.DialTimeout(proto, cfg.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial (%s %s): %w", proto, cfg.Addr, err)
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = wire.DefaultMaxMessageBytes
	}
	c := &Client{
		conn:      conn,
		codec:     wire.NewCodec(conn, maxBytes),
		logger:    logutil.Ensure(cfg.Logger),
		notify:    cfg.OnNotify,
		responses: make(chan api.Response, 1),
		readDone:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func isEventType(t string) bool {
	switch t {
	case api.EventFileAdded, api.EventFileDeleted, api.EventFileLocked,
		api.EventFileReleased, api.EventFileUpdated:
		return true
	}
	return false
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		var resp api.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			c.logger.Warn("client.decode.fail", "error", err)
			continue
		}
		if isEventType(resp.Type) {
			c.dispatchEvent(resp)
			continue
		}
		select {
		case c.responses <- resp:
		default:
			// A reply nobody is waiting for. The protocol pairs every
			// response with a request, so this indicates a server bug.
			c.logger.Warn("client.unexpected.response", "type", resp.Type)
		}
	}
}

func (c *Client) dispatchEvent(resp api.Response) {
	var ev api.Event
	if err := json.Unmarshal(resp.Payload, &ev); err != nil {
		c.logger.Warn("client.event.decode.fail", "type", resp.Type, "error", err)
		return
	}
	c.logger.Debug("client.event", "type", resp.Type, "file", ev.File, "user", ev.User)
	if c.notify != nil {
		c.notify(Notification{Type: resp.Type, Message: resp.Message, Event: ev})
	}
}

func (c *Client) do(ctx context.Context, requestType string, payload any) (api.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	select {
	case <-c.readDone:
		return api.Response{}, c.closedErr()
	default:
	}
	if err := c.codec.WriteJSON(api.NewRequest(requestType, payload)); err != nil {
		return api.Response{}, fmt.Errorf("client: send %s: %w", requestType, err)
	}
	select {
	case resp := <-c.responses:
		if !resp.OK() {
			return resp, &RemoteError{Type: resp.Type, Status: resp.Status, Message: resp.Message}
		}
		return resp, nil
	case <-c.readDone:
		return api.Response{}, c.closedErr()
	case <-ctx.Done():
		// The reply cannot be matched to a later request once we stop
		// waiting, so the connection is no longer usable.
		_ = c.conn.Close()
		return api.Response{}, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && !errors.Is(c.readErr, net.ErrClosed) {
		return fmt.Errorf("client: connection closed: %w", c.readErr)
	}
	return ErrClosed
}

// Auth binds username to this connection and returns the server's snapshot of
// registered files and their lock owners.
func (c *Client) Auth(ctx context.Context, username string) (map[string]api.FileStatus, error) {
	resp, err := c.do(ctx, api.TypeAuth, api.AuthPayload{Username: username})
	if err != nil {
		return nil, err
	}
	var result api.AuthResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("client: decode auth payload: %w", err)
	}
	c.mu.Lock()
	c.username = result.Username
	c.mu.Unlock()
	return result.Files, nil
}

// Username returns the name bound by a successful Auth, or empty.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// View registers this user as a viewer of file and returns its content.
func (c *Client) View(ctx context.Context, file string) (string, error) {
	return c.fileContent(ctx, api.TypeView, file)
}

// Lock acquires the exclusive edit lock on file and returns its content.
func (c *Client) Lock(ctx context.Context, file string) (string, error) {
	return c.fileContent(ctx, api.TypeLock, file)
}

func (c *Client) fileContent(ctx context.Context, requestType, file string) (string, error) {
	resp, err := c.do(ctx, requestType, api.FilePayload{File: file})
	if err != nil {
		return "", err
	}
	var content api.FileContent
	if err := json.Unmarshal(resp.Payload, &content); err != nil {
		return "", fmt.Errorf("client: decode %s payload: %w", requestType, err)
	}
	return content.Content, nil
}

// Release gives up the edit lock on file.
func (c *Client) Release(ctx context.Context, file string) error {
	_, err := c.do(ctx, api.TypeRelease, api.FilePayload{File: file})
	return err
}

// Update persists new content for a file this user holds the lock on. The
// lock stays held.
func (c *Client) Update(ctx context.Context, file, content string) error {
	_, err := c.do(ctx, api.TypeUpdate, api.ContentPayload{File: file, Content: content})
	return err
}

// Add registers a new file with the given content.
func (c *Client) Add(ctx context.Context, file, content string) error {
	_, err := c.do(ctx, api.TypeAdd, api.ContentPayload{File: file, Content: content})
	return err
}

// Delete removes an unlocked file from the server.
func (c *Client) Delete(ctx context.Context, file string) error {
	_, err := c.do(ctx, api.TypeDelete, api.FilePayload{File: file})
	return err
}

// Close tears down the connection. The server releases this user's locks and
// viewer registrations.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}
