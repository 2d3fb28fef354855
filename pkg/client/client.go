// Package client is the long-lived WebSocket client for actor runtimes:
// it keeps a live projected snapshot reconciled from an initial value plus
// a stream of JSON-patch deltas, reconnecting with exponential backoff and
// resynchronizing from its checksum after every gap.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/actorkit/backend/internal/patch"
)

// ErrWaitTimeout is returned by WaitFor when the predicate never held.
var ErrWaitTimeout = errors.New("wait timeout")

// ErrNotConnected is passed to OnError when Send finds no open socket.
var ErrNotConnected = errors.New("websocket not open")

const (
	defaultReconnectAttempts = 5
	reconnectInitialBackoff  = 1 * time.Second
	reconnectMaxBackoff      = 30 * time.Second
	defaultWaitTimeout       = 5 * time.Second
	writeTimeout             = 10 * time.Second
)

// Snapshot is the projection a caller holds: the actor's public context,
// the caller's own private slice, and the machine state value.
type Snapshot struct {
	Public  map[string]any `json:"public"`
	Private map[string]any `json:"private"`
	Value   string         `json:"value"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Public: map[string]any{}, Private: map[string]any{}}
}

// Config configures a Client.
type Config struct {
	Host      string // host[:port] of the actor server
	ActorType string
	ActorID   string

	AccessToken string

	// Checksum and InitialSnapshot seed the local state, typically from a
	// prior fetch. Leave both empty to start from nothing and receive a
	// full snapshot patch on connect.
	Checksum        string
	InitialSnapshot *Snapshot

	OnStateChange func(*Snapshot)
	OnError       func(error)

	// MaxReconnectAttempts bounds the reconnect loop. Zero means the
	// default of 5.
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Client maintains the live connection and the reconciled snapshot.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     *Snapshot
	checksum  string
	listeners map[int]func(*Snapshot)
	nextID    int
	closed    bool
}

// serverMessage is the only message kind the server sends.
type serverMessage struct {
	Operations []patch.Operation `json:"operations"`
	Checksum   string            `json:"checksum"`
}

// New builds a client; Connect starts it.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	state := cfg.InitialSnapshot
	if state == nil {
		state = emptySnapshot()
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With("actor", cfg.ActorType+"/"+cfg.ActorID),
		state:     state,
		checksum:  cfg.Checksum,
		listeners: make(map[int]func(*Snapshot)),
	}
}

// Connect dials the actor's WebSocket endpoint and starts the read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	checksum := c.checksum
	c.mu.Unlock()

	conn, err := c.dial(checksum)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(checksum string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("accessToken", c.cfg.AccessToken)
	if checksum != "" {
		q.Set("checksum", checksum)
	}
	u := url.URL{
		Scheme:   WSScheme(c.cfg.Host),
		Host:     c.cfg.Host,
		Path:     fmt.Sprintf("/api/%s/%s", c.cfg.ActorType, c.cfg.ActorID),
		RawQuery: q.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// Disconnect closes the connection for good; no reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}
}

// Send writes a JSON-serialized event on the socket. If the socket is not
// open the event is not queued: OnError fires and an error returns.
func (c *Client) Send(event any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.emitError(ErrNotConnected)
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(event); err != nil {
		c.emitError(err)
		return err
	}
	return nil
}

// GetState returns a deep copy of the current snapshot.
func (c *Client) GetState() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSnapshot(c.state)
}

// Checksum returns the checksum of the snapshot the client currently holds.
func (c *Client) Checksum() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checksum
}

// Subscribe registers a local listener and returns its unsubscribe func.
func (c *Client) Subscribe(listener func(*Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// WaitFor resolves once predicate(state) holds, or fails with
// ErrWaitTimeout. A zero timeout means the default of 5s.
func (c *Client) WaitFor(predicate func(*Snapshot) bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	done := make(chan struct{})
	var once sync.Once

	unsubscribe := c.Subscribe(func(s *Snapshot) {
		if predicate(s) {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if predicate(c.GetState()) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// readLoop applies inbound patches until the connection drops, then hands
// off to the reconnect loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			c.mu.Lock()
			intentional := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !intentional {
				c.reconnect()
			}
			return
		}
		if err := c.applyMessage(msg); err != nil {
			// A patch that does not apply means our baseline drifted.
			// Drop the connection and resync from our checksum.
			c.emitError(err)
			conn.Close()
		}
	}
}

func (c *Client) applyMessage(msg serverMessage) error {
	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()

	next := emptySnapshot()
	if err := patch.Apply(prev, msg.Operations, next); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = next
	c.checksum = msg.Checksum
	listeners := make([]func(*Snapshot), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(cloneSnapshot(next))
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(cloneSnapshot(next))
	}
	return nil
}

// reconnect retries with exponential backoff, carrying the current
// checksum so the server resyncs from that baseline. After the final
// failure OnError fires once and the client stops.
func (c *Client) reconnect() {
	attempts := c.cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialBackoff
	bo.MaxInterval = reconnectMaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for attempt := 0; attempt < attempts; attempt++ {
		wait := bo.NextBackOff()
		c.logger.Info("reconnecting", "attempt", attempt+1, "backoff", wait)
		time.Sleep(wait)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		checksum := c.checksum
		c.mu.Unlock()

		conn, err := c.dial(checksum)
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)
		return
	}

	c.emitError(fmt.Errorf("gave up reconnecting after %d attempts", attempts))
}

func (c *Client) emitError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	} else {
		c.logger.Error("client error", "error", err)
	}
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := emptySnapshot()
	if err := patch.Clone(s, out); err != nil {
		return emptySnapshot()
	}
	return out
}
