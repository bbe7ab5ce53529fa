package canbus

import (
	"net"
	"sync"
	"testing"
	"time"
)

// fakeDaemon is a canbridge stand-in listening on a local TCP port.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener
	refuse   bool

	mu    sync.Mutex
	conns []net.Conn
	ready chan net.Conn
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDaemon{t: t, listener: ln, ready: make(chan net.Conn, 4)}
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDaemon) URL() string {
	return "tcp://" + d.listener.Addr().String()
}

func (d *fakeDaemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		refuse := d.refuse
		d.mu.Unlock()
		go d.serveOpen(conn, refuse)
	}
}

// serveOpen answers the open handshake and hands the session to the test.
func (d *fakeDaemon) serveOpen(conn net.Conn, refuse bool) {
	buf := make([]byte, maxMessageSize)
	msgType, payload, err := readDaemonMessage(conn, buf)
	if err != nil || msgType != MsgOpen || len(payload) != 1 || payload[0] != ProtocolVersion {
		conn.Close()
		return
	}
	status := byte(0)
	if refuse {
		status = 1
	}
	if _, err := conn.Write(EncodeDaemonMessage(MsgOpen, []byte{status})); err != nil {
		return
	}
	if !refuse {
		d.ready <- conn
	}
}

// session waits for the next opened session.
func (d *fakeDaemon) session() net.Conn {
	d.t.Helper()
	select {
	case conn := <-d.ready:
		return conn
	case <-time.After(3 * time.Second):
		d.t.Fatal("no daemon session opened")
		return nil
	}
}

func (d *fakeDaemon) Close() {
	d.listener.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
}

// readFrame reads one MsgFrame sent by the client.
func readFrame(t *testing.T, conn net.Conn) (uint32, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, maxMessageSize)
	msgType, payload, err := readDaemonMessage(conn, buf)
	if err != nil {
		t.Fatalf("daemon read: %v", err)
	}
	if msgType != MsgFrame {
		t.Fatalf("daemon got type 0x%04X, want MsgFrame", msgType)
	}
	raw, data, err := ParseFrame(payload)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return raw, append([]byte(nil), data...)
}
