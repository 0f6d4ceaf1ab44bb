package net

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// Transport provides the network layer of a ring node. It listens for
// inbound connections on a stream layer and opens short-lived outbound
// connections to other nodes when forwarding commands.
type Transport struct {
	logger *logrus.Entry

	stream StreamLayer

	dialTimeout time.Duration
	ackTimeout  time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewTransport creates a transport on top of an existing stream layer.
// dialTimeout applies to the connect and write steps of outbound sends;
// ackTimeout bounds the best-effort read of an acknowledgement line.
func NewTransport(
	stream StreamLayer,
	dialTimeout time.Duration,
	ackTimeout time.Duration,
	logger *logrus.Entry,
) *Transport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Transport{
		logger:      logger,
		stream:      stream,
		dialTimeout: dialTimeout,
		ackTimeout:  ackTimeout,
		shutdownCh:  make(chan struct{}),
	}
}

// NewTCPTransport returns a Transport that is built on top of a TCP
// streaming transport layer, with log output going to the supplied Logger.
func NewTCPTransport(
	bindAddr string,
	dialTimeout time.Duration,
	ackTimeout time.Duration,
	logger *logrus.Entry,
) (*Transport, error) {
	stream, err := NewTCPStreamLayer(bindAddr)
	if err != nil {
		return nil, err
	}
	return NewTransport(stream, dialTimeout, ackTimeout, logger), nil
}

// Close is used to stop the transport.
func (t *Transport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.stream.Close()
		t.shutdown = true
	}
	return nil
}

// IsShutdown is used to check if the transport is shutdown.
func (t *Transport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// LocalAddr returns the address the transport is listening on.
func (t *Transport) LocalAddr() string {
	addr := t.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// Listen accepts inbound connections and hands each one to handle in a
// dedicated goroutine, so that no connection can block another. It returns
// when the transport is shut down.
func (t *Transport) Listen(handle func(net.Conn)) {
	for {
		conn, err := t.stream.Accept()
		if err != nil {
			if t.IsShutdown() {
				return
			}
			t.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		go handle(conn)
	}
}

// Send opens a short-lived connection to target and writes one command
// line. It then makes a best-effort attempt to read a single response line,
// used only to detect gross failures; elapsing of the ack timeout is not a
// failure. Send reports the outcome of the connect and write steps only,
// and makes exactly one attempt.
func (t *Transport) Send(target, line string) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}

	conn, err := t.stream.Dial(target, t.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	return writeLine(conn, line, t.dialTimeout, t.ackTimeout, t.logger.WithField("target", target))
}

// SendLine dials target directly and writes one command line, with the same
// best-effort ack read as Transport.Send. It is used outside of any node,
// by the orchestration tool that stitches nodes into a ring.
func SendLine(target, line string, dialTimeout, ackTimeout time.Duration, logger *logrus.Entry) error {
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	return writeLine(conn, line, dialTimeout, ackTimeout, logger.WithField("target", target))
}

// writeLine writes one newline-terminated line to conn, then makes a
// best-effort attempt to read a single response line. Only the write step
// can fail; elapsing of the ack timeout is not a failure.
func writeLine(conn net.Conn, line string, writeTimeout, ackTimeout time.Duration, logger *logrus.Entry) error {
	if writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return err
	}

	if ackTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(ackTimeout))
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			// Slow or absent acks are ignored; the receiver may already
			// have moved on.
			logger.WithField("error", err).Debug("no ack")
		}
	}

	return nil
}
