package pbxmi

import (
    "bufio"
    "context"
    "net"
    "strconv"
    "strings"
    "testing"
    "time"
)

// fakePBX accepts one connection, sends the greeting banner, answers
// Login with Success, and lets the test script further responses/events.
type fakePBX struct {
    ln net.Listener
}

func startFakePBX(t *testing.T) (*fakePBX, string) {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    return &fakePBX{ln: ln}, ln.Addr().String()
}

func (f *fakePBX) accept(t *testing.T) net.Conn {
    t.Helper()
    conn, err := f.ln.Accept()
    if err != nil {
        t.Errorf("accept: %v", err)
        return nil
    }
    return conn
}

func writeFrame(conn net.Conn, fields map[string]string) {
    var b strings.Builder
    for k, v := range fields {
        b.WriteString(k)
        b.WriteString(": ")
        b.WriteString(v)
        b.WriteString("\r\n")
    }
    b.WriteString("\r\n")
    conn.Write([]byte(b.String()))
}

func readFrameLines(r *bufio.Reader) map[string]string {
    frame := map[string]string{}
    for {
        line, err := r.ReadString('\n')
        if err != nil {
            return frame
        }
        line = strings.TrimRight(line, "\r\n")
        if line == "" {
            return frame
        }
        if idx := strings.Index(line, ":"); idx > 0 {
            frame[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
        }
    }
}

func TestClientConnectAuthenticatesAndSubscribes(t *testing.T) {
    fake, addr := startFakePBX(t)
    host, portStr, _ := net.SplitHostPort(addr)
    port, _ := strconv.Atoi(portStr)

    done := make(chan struct{})
    go func() {
        defer close(done)
        conn := fake.accept(t)
        // Keep the socket open until the test ends: a closed socket moves
        // the client back to Disconnected before the state assertion.
        t.Cleanup(func() { conn.Close() })
        conn.Write([]byte("Asterisk Call Manager/5.0.0\r\n"))

        r := bufio.NewReader(conn)
        login := readFrameLines(r)
        if login["Action"] != "Login" {
            t.Errorf("expected Login action, got %q", login["Action"])
        }
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": login["ActionID"]})

        events := readFrameLines(r)
        if events["Action"] != "Events" {
            t.Errorf("expected Events subscribe action, got %q", events["Action"])
        }
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": events["ActionID"]})
    }()

    c := New(Config{Host: host, Port: port, User: "admin", Pass: "secret"})
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := c.Connect(ctx); err != nil {
        t.Fatalf("connect: %v", err)
    }
    defer c.Close()

    <-done
    if c.State() != Authenticated {
        t.Fatalf("expected Authenticated state, got %s", c.State())
    }
    if !c.IsHealthy() {
        t.Fatalf("expected client to be healthy after successful connect")
    }
}

func TestClientDispatchesUnsolicitedEventsToHandler(t *testing.T) {
    fake, addr := startFakePBX(t)
    host, portStr, _ := net.SplitHostPort(addr)
    port, _ := strconv.Atoi(portStr)

    go func() {
        conn := fake.accept(t)
        defer conn.Close()
        conn.Write([]byte("Asterisk Call Manager/5.0.0\r\n"))
        r := bufio.NewReader(conn)

        login := readFrameLines(r)
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": login["ActionID"]})
        readFrameLines(r) // Events subscribe
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": "0"})

        writeFrame(conn, map[string]string{"Event": "Newchannel", "Channel": "SIP/1000-0001"})
        time.Sleep(100 * time.Millisecond)
    }()

    c := New(Config{Host: host, Port: port, User: "admin", Pass: "secret"})
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()

    received := make(chan Frame, 1)
    c.OnEvent(func(f Frame) {
        if f["Event"] == "Newchannel" {
            received <- f
        }
    })

    if err := c.Connect(ctx); err != nil {
        t.Fatalf("connect: %v", err)
    }
    defer c.Close()

    select {
    case f := <-received:
        if f["Channel"] != "SIP/1000-0001" {
            t.Fatalf("unexpected channel: %q", f["Channel"])
        }
    case <-time.After(time.Second):
        t.Fatal("timed out waiting for Newchannel event")
    }
}

func TestConnectFailureAutoRetriesUntilPBXIsReachable(t *testing.T) {
    // No listener yet: the first Connect call must fail to dial, but the
    // reconnect loop (running since New) should pick up the scheduled
    // retry and keep dialing until the fake PBX comes up.
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    addr := ln.Addr().String()
    host, portStr, _ := net.SplitHostPort(addr)
    port, _ := strconv.Atoi(portStr)
    ln.Close() // release the port so the first dial attempt fails

    c := New(Config{
        Host: host, Port: port, User: "admin", Pass: "secret",
        ReconnectBase: 50 * time.Millisecond,
    })
    defer c.Close()

    ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
    defer cancel()
    if err := c.Connect(ctx); err == nil {
        t.Fatalf("expected the first connect attempt to fail with nothing listening")
    }

    // Now start the fake PBX on the same port and let the reconnect loop
    // find it without any further call from the test.
    fake, _ := startFakePBXOnAddr(t, addr)
    go func() {
        conn := fake.accept(t)
        if conn == nil {
            return
        }
        t.Cleanup(func() { conn.Close() })
        conn.Write([]byte("Asterisk Call Manager/5.0.0\r\n"))
        r := bufio.NewReader(conn)
        login := readFrameLines(r)
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": login["ActionID"]})
        readFrameLines(r) // Events subscribe
        writeFrame(conn, map[string]string{"Response": "Success", "ActionID": "0"})
    }()

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if c.State() == Authenticated {
            return
        }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("expected the reconnect loop to eventually authenticate, got state %s", c.State())
}

func startFakePBXOnAddr(t *testing.T, addr string) (*fakePBX, string) {
    t.Helper()
    ln, err := net.Listen("tcp", addr)
    if err != nil {
        t.Fatalf("listen on %s: %v", addr, err)
    }
    return &fakePBX{ln: ln}, addr
}

func TestIsTolerantMatchesDbDelTreeAndCommandOnly(t *testing.T) {
    cases := map[string]bool{
        "DBDelTree": true,
        "Command":   true,
        "DBPut":     false,
        "Originate": false,
        "Login":     false,
    }
    for action, want := range cases {
        if got := isTolerant(action); got != want {
            t.Errorf("isTolerant(%q) = %v, want %v", action, got, want)
        }
    }
}
