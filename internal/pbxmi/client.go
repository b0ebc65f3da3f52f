// Package pbxmi implements the PBX management-interface client: a
// line-oriented, auto-reconnecting TCP client with request/action
// correlation (spec §4.3).
package pbxmi

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// State is the client's connection lifecycle.
type State int

const (
    Disconnected State = iota
    Connecting
    Greeted
    Authenticated
)

func (s State) String() string {
    switch s {
    case Connecting:
        return "connecting"
    case Greeted:
        return "greeted"
    case Authenticated:
        return "authenticated"
    default:
        return "disconnected"
    }
}

// Frame is one parsed Key: Value frame.
type Frame map[string]string

// EventHandler receives every frame that is not a correlated action
// response (i.e. unsolicited PBX events).
type EventHandler func(Frame)

// Config holds connection and timing parameters.
type Config struct {
    Host    string
    Port    int
    User    string
    Pass    string
    Events  string // event classes to subscribe to, e.g. "call,cdr"

    DialTimeout        time.Duration
    DefaultActionTimeout time.Duration
    ReloadActionTimeout  time.Duration

    ReconnectBase       time.Duration
    ReconnectMaxAttempts int
}

func (c *Config) setDefaults() {
    if c.Port == 0 {
        c.Port = 5038
    }
    if c.Events == "" {
        c.Events = "call,cdr"
    }
    if c.DialTimeout == 0 {
        c.DialTimeout = 10 * time.Second
    }
    if c.DefaultActionTimeout == 0 {
        c.DefaultActionTimeout = 5 * time.Second
    }
    if c.ReloadActionTimeout == 0 {
        c.ReloadActionTimeout = 10 * time.Second
    }
    if c.ReconnectBase == 0 {
        c.ReconnectBase = 5 * time.Second
    }
    if c.ReconnectMaxAttempts == 0 {
        c.ReconnectMaxAttempts = 10
    }
}

// Client is the PBX-MI socket client. One reader task tokenises the
// stream, one writer serialises outbound frames (through a mutex on the
// bufio.Writer), and a dedicated reconnection task owns the connect-retry
// loop — only one connect attempt is ever in flight.
type Client struct {
    cfg Config

    mu    sync.RWMutex
    state State
    conn  net.Conn
    r     *bufio.Reader
    w     *bufio.Writer

    actionID  uint64
    waitersMu sync.Mutex
    waiters   map[string]chan Frame

    handlersMu sync.RWMutex
    handlers   []EventHandler

    shutdown      chan struct{}
    closeOnce     sync.Once
    reconnectChan chan struct{}
    wg            sync.WaitGroup

    unhealthy atomic.Bool
}

func New(cfg Config) *Client {
    cfg.setDefaults()
    c := &Client{
        cfg:           cfg,
        waiters:       make(map[string]chan Frame),
        shutdown:      make(chan struct{}),
        reconnectChan: make(chan struct{}, 1),
    }
    c.wg.Add(1)
    go c.reconnectLoop()
    return c
}

// scheduleReconnect wakes the reconnect loop without blocking; a pending
// signal already queued is enough, so a full channel is not an error.
func (c *Client) scheduleReconnect() {
    select {
    case c.reconnectChan <- struct{}{}:
    default:
    }
}

func (c *Client) State() State {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.state
}

func (c *Client) IsAuthenticated() bool { return c.State() == Authenticated }

// IsHealthy reports whether the client has not exhausted its reconnect
// budget. Once unhealthy the reconnect loop stops dialing, and the flag
// clears only when a later Connect call succeeds.
func (c *Client) IsHealthy() bool { return !c.unhealthy.Load() }

func (c *Client) setState(s State) { c.mu.Lock(); c.state = s; c.mu.Unlock() }

// OnEvent registers a handler invoked for every unsolicited frame (i.e.
// anything without an ActionID matching a pending waiter). Primarily
// consumed by the call tracker (C4).
func (c *Client) OnEvent(h EventHandler) {
    c.handlersMu.Lock()
    defer c.handlersMu.Unlock()
    c.handlers = append(c.handlers, h)
}

// Connect dials, awaits the greeting banner, starts the reader task, logs
// in, and subscribes to the configured event classes. The reconnect loop
// is not started here; it runs from New for the client's whole life.
func (c *Client) Connect(ctx context.Context) error {
    c.setState(Connecting)

    addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
    dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
    conn, err := dialer.DialContext(ctx, "tcp", addr)
    if err != nil {
        c.setState(Disconnected)
        c.scheduleReconnect()
        return errors.Wrap(err, errors.ErrUnavailable, "failed to connect to PBX-MI")
    }

    r := bufio.NewReader(conn)
    w := bufio.NewWriter(conn)

    banner, err := r.ReadString('\n')
    if err != nil {
        conn.Close()
        c.setState(Disconnected)
        c.scheduleReconnect()
        return errors.Wrap(err, errors.ErrUnavailable, "failed to read PBX-MI banner")
    }
    _ = banner

    c.mu.Lock()
    c.conn, c.r, c.w = conn, r, w
    c.state = Greeted
    c.mu.Unlock()

    c.wg.Add(1)
    go c.readLoop()

    loginResp, err := c.SendAction(ctx, "Login", map[string]string{
        "Username": c.cfg.User,
        "Secret":   c.cfg.Pass,
    })
    if err != nil {
        c.disconnectConn()
        c.scheduleReconnect()
        return errors.Wrap(err, errors.ErrUnauthenticated, "PBX-MI login failed")
    }
    if loginResp["Response"] != "Success" {
        c.disconnectConn()
        c.scheduleReconnect()
        return errors.New(errors.ErrUnauthenticated, "PBX-MI login rejected")
    }

    c.setState(Authenticated)
    c.unhealthy.Store(false)

    if _, err := c.SendAction(ctx, "Events", map[string]string{"EventMask": c.cfg.Events}); err != nil {
        logger.WithError(err).Warn("failed to subscribe to PBX-MI event classes")
    }

    logger.WithField("addr", addr).Info("PBX-MI authenticated")

    return nil
}

// disconnectConn tears down the current socket and fails any pending
// action waiters, without signaling process shutdown — the reconnect
// loop (started once, in New) keeps running afterward.
func (c *Client) disconnectConn() {
    c.mu.Lock()
    c.state = Disconnected
    conn := c.conn
    c.conn = nil
    c.mu.Unlock()

    if conn != nil {
        conn.Close()
    }

    c.waitersMu.Lock()
    for id, ch := range c.waiters {
        close(ch)
        delete(c.waiters, id)
    }
    c.waitersMu.Unlock()
}

// Close permanently shuts the client down: the reconnect loop and reader
// loop both exit and no further reconnection is attempted.
func (c *Client) Close() {
    c.closeOnce.Do(func() { close(c.shutdown) })
    c.disconnectConn()
}

func (c *Client) readLoop() {
    defer c.wg.Done()
    for {
        frame, err := c.readFrame()
        if err != nil {
            c.mu.Lock()
            wasAuthed := c.state == Authenticated
            c.state = Disconnected
            c.mu.Unlock()
            if wasAuthed {
                logger.WithError(err).Warn("PBX-MI connection lost, scheduling reconnect")
                c.scheduleReconnect()
            }
            return
        }

        if id, ok := frame["ActionID"]; ok {
            c.waitersMu.Lock()
            ch, exists := c.waiters[id]
            c.waitersMu.Unlock()
            if exists {
                select {
                case ch <- frame:
                default:
                }
                continue
            }
        }

        c.handlersMu.RLock()
        handlers := append([]EventHandler(nil), c.handlers...)
        c.handlersMu.RUnlock()
        for _, h := range handlers {
            h(frame)
        }
    }
}

func (c *Client) readFrame() (Frame, error) {
    frame := make(Frame)
    for {
        line, err := c.r.ReadString('\n')
        if err != nil {
            return nil, err
        }
        line = strings.TrimRight(line, "\r\n")

        if line == "" {
            if len(frame) > 0 {
                return frame, nil
            }
            continue
        }

        if idx := strings.Index(line, ":"); idx > 0 {
            key := strings.TrimSpace(line[:idx])
            val := strings.TrimSpace(line[idx+1:])
            frame[key] = val
        }
    }
}

func (c *Client) reconnectLoop() {
    defer c.wg.Done()
    attempts := 0
    for {
        select {
        case <-c.shutdown:
            return
        case <-c.reconnectChan:
            attempts++
            if attempts > c.cfg.ReconnectMaxAttempts {
                c.unhealthy.Store(true)
                logger.WithField("attempts", attempts).Error("PBX-MI reconnect attempts exhausted, surfacing unhealthy")
                continue
            }

            factor := attempts
            if factor > 6 {
                factor = 6
            }
            delay := c.cfg.ReconnectBase * time.Duration(factor)
            logger.WithField("attempt", attempts).WithField("delay", delay).Info("PBX-MI reconnecting")
            time.Sleep(delay)

            ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
            err := c.Connect(ctx)
            cancel()
            if err != nil {
                // Connect already scheduled the next attempt via
                // scheduleReconnect on every one of its failure paths.
                logger.WithError(err).Warn("PBX-MI reconnect attempt failed")
            } else {
                attempts = 0
            }
        }
    }
}

// SendAction sends a correlated action and waits for its response. The
// Command action (used by Reload and SendCLI) waits ReloadActionTimeout
// (10s by default); every other action waits DefaultActionTimeout. The
// tolerant actions (DBDelTree and Command) resolve successfully on
// timeout instead of failing (spec §4.3, §7).
func (c *Client) SendAction(ctx context.Context, action string, fields map[string]string) (Frame, error) {
    if !c.IsAuthenticated() && action != "Login" {
        return nil, errors.New(errors.ErrUnavailable, "PBX-MI not authenticated")
    }

    id := strconv.FormatUint(atomic.AddUint64(&c.actionID, 1), 10)
    ch := make(chan Frame, 1)

    c.waitersMu.Lock()
    c.waiters[id] = ch
    c.waitersMu.Unlock()
    defer func() {
        c.waitersMu.Lock()
        delete(c.waiters, id)
        c.waitersMu.Unlock()
    }()

    var b strings.Builder
    fmt.Fprintf(&b, "Action: %s\r\n", action)
    fmt.Fprintf(&b, "ActionID: %s\r\n", id)
    for k, v := range fields {
        fmt.Fprintf(&b, "%s: %s\r\n", k, v)
    }
    b.WriteString("\r\n")

    c.mu.Lock()
    w := c.w
    if w == nil {
        c.mu.Unlock()
        return nil, errors.New(errors.ErrUnavailable, "PBX-MI not connected")
    }
    _, werr := w.WriteString(b.String())
    if werr == nil {
        werr = w.Flush()
    }
    c.mu.Unlock()
    if werr != nil {
        return nil, errors.Wrap(werr, errors.ErrUnavailable, "failed to write PBX-MI action")
    }

    timeout := c.timeoutFor(action)
    select {
    case frame, ok := <-ch:
        if !ok {
            return nil, errors.New(errors.ErrUnavailable, "PBX-MI disconnected")
        }
        return frame, nil
    case <-time.After(timeout):
        if isTolerant(action) {
            logger.WithField("action", action).Warn("PBX-MI action timed out, treating as success (tolerant policy)")
            return Frame{"Response": "Success"}, nil
        }
        return nil, errors.New(errors.ErrTimeout, fmt.Sprintf("PBX-MI action %s timed out", action))
    case <-ctx.Done():
        return nil, errors.Wrap(ctx.Err(), errors.ErrTimeout, "PBX-MI action cancelled")
    }
}

func (c *Client) timeoutFor(action string) time.Duration {
    if strings.EqualFold(action, "Command") {
        return c.cfg.ReloadActionTimeout
    }
    return c.cfg.DefaultActionTimeout
}

// isTolerant matches spec §9's chosen policy: db_del_tree and reload
// resolve successfully on timeout; db_put (and everything else) is strict.
func isTolerant(action string) bool {
    switch strings.ToLower(action) {
    case "dbdeltree", "command":
        return true
    default:
        return false
    }
}

// SendCLI runs a raw Asterisk CLI command through the Command action.
func (c *Client) SendCLI(ctx context.Context, command string) (string, error) {
    resp, err := c.SendAction(ctx, "Command", map[string]string{"Command": command})
    if err != nil {
        return "", err
    }
    return resp["Output"], nil
}

// DBPut writes one key under a family in the PBX's key-value store. This
// is a strict (non-tolerant) operation.
func (c *Client) DBPut(ctx context.Context, family, key, val string) error {
    resp, err := c.SendAction(ctx, "DBPut", map[string]string{"Family": family, "Key": key, "Val": val})
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrUnavailable, "DBPut rejected")
    }
    return nil
}

// DBDelTree deletes an entire family. Tolerant: a timeout here is treated
// as success because the family may simply not exist.
func (c *Client) DBDelTree(ctx context.Context, family string) error {
    _, err := c.SendAction(ctx, "DBDelTree", map[string]string{"Family": family})
    return err
}

// Reload reloads a PBX module (e.g. "pjsip", "dialplan"). Tolerant.
func (c *Client) Reload(ctx context.Context, module string) error {
    _, err := c.SendAction(ctx, "Command", map[string]string{"Command": fmt.Sprintf("%s reload", module)})
    return err
}

// Originate submits an Originate action and returns the PBX acknowledgement.
func (c *Client) Originate(ctx context.Context, params map[string]string) (Frame, error) {
    return c.SendAction(ctx, "Originate", params)
}

// Redirect moves a channel to a new extension/context/priority.
func (c *Client) Redirect(ctx context.Context, channel, extension, context_ string, priority int) error {
    resp, err := c.SendAction(ctx, "Redirect", map[string]string{
        "Channel":  channel,
        "Exten":    extension,
        "Context":  context_,
        "Priority": strconv.Itoa(priority),
    })
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrUnavailable, "redirect rejected")
    }
    return nil
}

// Hangup terminates a channel with the given cause code.
func (c *Client) Hangup(ctx context.Context, channel string, cause int) error {
    resp, err := c.SendAction(ctx, "Hangup", map[string]string{
        "Channel": channel,
        "Cause":   strconv.Itoa(cause),
    })
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrUnavailable, "hangup rejected")
    }
    return nil
}
