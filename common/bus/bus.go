// Package bus is the UDP datagram transport between the deployer and the
// service hosts. Senders are short-lived, one socket per send; listeners
// own a single socket for their whole lifetime.
package bus

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// MaxDatagram bounds both sends and receive buffers. Rule payloads for a
// large place can run to tens of kilobytes.
const MaxDatagram = 64 * 1024

// DefaultSendTimeout applies when the context carries no deadline.
const DefaultSendTimeout = 2 * time.Second

// Send writes one datagram to addr ("host:port") from an ephemeral local
// port and closes the socket on every path.
func Send(ctx context.Context, addr string, payload []byte) error {
	if len(payload) > MaxDatagram {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}
	d := net.Dialer{Control: reuseAddr}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultSendTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// SendFunc is the datagram-send capability handed to components, so tests
// can capture traffic instead of opening sockets.
type SendFunc func(ctx context.Context, addr string, payload []byte) error

// Handler consumes one received datagram. The payload slice is owned by
// the handler; from is the sender's address.
type Handler func(payload []byte, from *net.UDPAddr)

// Listener owns one UDP socket and pumps datagrams to a handler until its
// context ends.
type Listener struct {
	name string
	conn net.PacketConn
	log  Logger
}

// Listen binds a UDP port with SO_REUSEADDR. The name only labels logs.
func Listen(port int, name string, log Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	log.Info("udp listener bound", "name", name, "port", port)
	return &Listener{name: name, conn: conn, log: log}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams and hands each to h on the reader goroutine, so a
// blocking handler exerts backpressure on the socket. Returns when ctx is
// done or the socket fails.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	buf := make([]byte, MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return fmt.Errorf("%s: set read deadline: %w", l.name, err)
		}
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: read: %w", l.name, err)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		udpFrom, _ := from.(*net.UDPAddr)
		h(payload, udpFrom)
	}
}

// Close releases the socket. Safe to call while Serve is running; Serve
// then returns.
func (l *Listener) Close() error {
	return l.conn.Close()
}
