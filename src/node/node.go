package node

import (
	"bufio"
	"fmt"
	"io"
	gonet "net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/adamjohannes/ouroboros/src/config"
	"github.com/adamjohannes/ouroboros/src/net"
	"github.com/adamjohannes/ouroboros/src/wire"
	"github.com/sirupsen/logrus"
)

// Node is one process in the ring. It serves inbound protocol commands and
// acts as a client when forwarding to its successor.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry

	trans *net.Transport

	// addr is the node's identity in protocol messages. Immutable.
	addr string

	// next is the successor address. Guarded by coreLock; absent until the
	// first SET_NEXT, last write wins.
	coreLock sync.Mutex
	next     string

	walks *walkRegistry
}

// NewNode returns a Node serving on the given transport. The transport must
// already be bound; its listen address becomes the node's identity.
func NewNode(conf *config.Config, trans *net.Transport) *Node {
	addr := trans.LocalAddr()

	return &Node{
		conf:   conf,
		logger: conf.Logger().WithField("this_node", addr),
		trans:  trans,
		addr:   addr,
		walks:  newWalkRegistry(),
	}
}

// Init performs the node's startup side effects. It creates a working
// directory named after the node's port inside the data directory; failure
// to do so is logged and has no effect on protocol behaviour.
func (n *Node) Init() error {
	nodeDir := filepath.Join(n.conf.DataDir, wire.PortOf(n.addr))
	if err := os.MkdirAll(nodeDir, 0700); err != nil {
		n.logger.WithFields(logrus.Fields{
			"dir":   nodeDir,
			"error": err,
		}).Warn("Failed to create node directory")
	} else {
		n.logger.WithField("dir", nodeDir).Debug("created node directory")
	}

	return nil
}

// Run serves inbound connections until the node is shut down.
func (n *Node) Run() {
	n.logger.Info("node listening")
	n.trans.Listen(n.handleConn)
}

// Shutdown stops the transport, which terminates Run.
func (n *Node) Shutdown() {
	n.logger.Debug("Shutdown")
	n.trans.Close()
}

// Addr returns the node's listen address.
func (n *Node) Addr() string {
	return n.addr
}

// Next returns the successor address, and whether one is set.
func (n *Node) Next() (string, bool) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.next, n.next != ""
}

// SetNext overwrites the successor address. The address is not validated;
// wiring the ring is the orchestrator's business.
func (n *Node) SetNext(addr string) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	n.next = addr
}

// PendingWalks returns the number of walks awaiting completion on this node.
func (n *Node) PendingWalks() int {
	return n.walks.count()
}

// GetStats returns a snapshot of the node's state for the status service.
func (n *Node) GetStats() map[string]string {
	next, ok := n.Next()
	if !ok {
		next = "<unset>"
	}

	return map[string]string{
		"addr":          n.addr,
		"next":          next,
		"pending_walks": strconv.Itoa(n.walks.count()),
	}
}

// handleConn reads command lines off one inbound connection until the peer
// closes or an I/O error occurs. Commands within a connection are handled
// strictly in order. A parse failure produces an ERR line and keeps the
// connection open; an I/O error terminates only this connection.
func (n *Node) handleConn(conn gonet.Conn) {
	defer conn.Close()

	logger := n.logger.WithField("from", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		cmd, err := wire.ParseLine(scanner.Text())
		if err != nil {
			fmt.Fprintf(w, "ERR %s\n", err)
			if err := w.Flush(); err != nil {
				logger.WithField("error", err).Error("Failed to flush response")
				return
			}
			continue
		}

		if err := n.dispatch(w, cmd); err != nil {
			logger.WithField("error", err).Error("Failed to write response")
			return
		}
		if err := w.Flush(); err != nil {
			logger.WithField("error", err).Error("Failed to flush response")
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.WithField("error", err).Error("connection read failed")
	}
}

func (n *Node) dispatch(w io.Writer, cmd wire.Command) error {
	switch c := cmd.(type) {
	case wire.SetNext:
		return n.handleSetNext(w, c)
	case wire.Get:
		return n.handleGet(w)
	case wire.Ring:
		return n.handleRing(w, c)
	case wire.WalkStart:
		return n.handleWalkStart(w)
	case wire.WalkHop:
		return n.handleWalkHop(w, c)
	case wire.WalkDone:
		return n.handleWalkDone(w, c)
	default:
		// The parser only produces the variants above.
		_, err := fmt.Fprintf(w, "ERR %s\n", wire.ErrUnknownCommand)
		return err
	}
}

func (n *Node) handleSetNext(w io.Writer, cmd wire.SetNext) error {
	n.SetNext(cmd.Addr)
	n.logger.WithField("next", cmd.Addr).Info("SET_NEXT")
	_, err := fmt.Fprintf(w, "OK next=%s\n", cmd.Addr)
	return err
}

func (n *Node) handleGet(w io.Writer) error {
	next, ok := n.Next()
	if !ok {
		next = "<unset>"
	}
	_, err := fmt.Fprintf(w, "PORT %s\nNEXT %s\nOK\n", n.addr, next)
	return err
}

// handleRing forwards the message to the successor with a decremented TTL,
// as long as the TTL has not run out. RING is fire-and-forget from the
// client's perspective: the reply is OK regardless of the forward outcome.
func (n *Node) handleRing(w io.Writer, cmd wire.Ring) error {
	n.logger.WithFields(logrus.Fields{
		"ttl": cmd.TTL,
		"msg": cmd.Message,
	}).Info("RING")

	if cmd.TTL > 0 {
		if next, ok := n.Next(); ok {
			if err := n.trans.Send(next, wire.FormatRing(cmd.TTL-1, cmd.Message)); err != nil {
				n.logger.WithFields(logrus.Fields{
					"next":  next,
					"error": err,
				}).Error("RING forward failed")
			}
		} else {
			n.logger.Warn("no successor set, dropping RING")
		}
	}

	_, err := io.WriteString(w, "OK\n")
	return err
}
