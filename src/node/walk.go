package node

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adamjohannes/ouroboros/src/wire"
	"github.com/sirupsen/logrus"
)

// walkRegistry correlates a walk started on one connection with its
// completion arriving later on a different connection. Tokens map to
// one-shot channels; a token is registered by at most one in-flight walk
// and consumed at most once.
type walkRegistry struct {
	sync.Mutex
	pending map[string]chan string
}

func newWalkRegistry() *walkRegistry {
	return &walkRegistry{
		pending: make(map[string]chan string),
	}
}

// register inserts a fresh one-shot completion channel for token.
func (r *walkRegistry) register(token string) <-chan string {
	// Buffered so that completion never blocks on an absent waiter.
	ch := make(chan string, 1)

	r.Lock()
	defer r.Unlock()
	r.pending[token] = ch

	return ch
}

// complete consumes the token and delivers the final history to its waiter.
// It reports whether the token was known; an unknown token (already timed
// out, already consumed, or never registered) is not an error.
func (r *walkRegistry) complete(token, history string) bool {
	r.Lock()
	defer r.Unlock()

	ch, ok := r.pending[token]
	if !ok {
		return false
	}
	delete(r.pending, token)

	ch <- history
	return true
}

// forget removes the token so that a late completion is silently discarded
// and the registry does not leak abandoned entries.
func (r *walkRegistry) forget(token string) {
	r.Lock()
	defer r.Unlock()
	delete(r.pending, token)
}

func (r *walkRegistry) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pending)
}

// newWalkToken returns an identifier unique across concurrent walks started
// on this node.
func newWalkToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// handleWalkStart services a client-issued WALK. It registers a token,
// launches the walk at the successor, and blocks this connection until the
// loop closes, the one-shot channel is abandoned, or the walk timeout
// elapses. Other connections are not affected: each runs its own handler
// goroutine.
func (n *Node) handleWalkStart(w io.Writer) error {
	next, ok := n.Next()
	if !ok {
		_, err := io.WriteString(w, "ERR no next hop set\n")
		return err
	}

	token := newWalkToken()
	ch := n.walks.register(token)

	history := wire.AppendEdge("", n.addr, next)

	if err := n.trans.Send(next, wire.FormatWalkHop(token, n.addr, history)); err != nil {
		n.walks.forget(token)
		_, werr := fmt.Fprintf(w, "ERR forward failed: %s\n", err)
		return werr
	}

	timer := time.NewTimer(n.conf.WalkTimeout)
	defer timer.Stop()

	select {
	case final, ok := <-ch:
		if !ok {
			// Not expected in normal operation: the registry dropped the
			// slot without delivering a value.
			_, err := io.WriteString(w, "ERR walk canceled\n")
			return err
		}
		for _, edge := range wire.SplitHistory(final) {
			if _, err := fmt.Fprintf(w, "%s\n", edge); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "OK\n")
		return err

	case <-timer.C:
		// A late WALK DONE for this token will find nothing to complete
		// and is silently discarded.
		n.walks.forget(token)
		_, err := io.WriteString(w, "ERR walk timeout\n")
		return err
	}
}

// handleWalkHop services a WALK HOP arriving from the previous ring node.
// The loop is closed when the successor is the walk's start node, compared
// on normalized ports so that bare-port and host:port successor values are
// equivalent. The hop is acked best-effort either way; the sender may
// already have moved on.
func (n *Node) handleWalkHop(w io.Writer, cmd wire.WalkHop) error {
	next, ok := n.Next()
	if !ok {
		// Drop the walk; the start node will time out. No error travels
		// upstream.
		n.logger.WithField("token", cmd.Token).Warn("no successor set, dropping walk")
		io.WriteString(w, "OK\n")
		return nil
	}

	history := wire.AppendEdge(cmd.History, n.addr, next)

	if wire.PortOf(next) == wire.PortOf(cmd.StartAddr) {
		if err := n.trans.Send(cmd.StartAddr, wire.FormatWalkDone(cmd.Token, history)); err != nil {
			n.logger.WithFields(logrus.Fields{
				"start": cmd.StartAddr,
				"error": err,
			}).Error("WALK DONE send failed")
		}
	} else {
		if err := n.trans.Send(next, wire.FormatWalkHop(cmd.Token, cmd.StartAddr, history)); err != nil {
			n.logger.WithFields(logrus.Fields{
				"next":  next,
				"error": err,
			}).Error("WALK forward failed")
		}
	}

	io.WriteString(w, "OK\n")
	return nil
}

// handleWalkDone services a WALK DONE arriving at the start node. An
// unknown token is acked and discarded: the originating client may already
// have been told about a timeout.
func (n *Node) handleWalkDone(w io.Writer, cmd wire.WalkDone) error {
	if !n.walks.complete(cmd.Token, cmd.History) {
		n.logger.WithField("token", cmd.Token).Debug("unknown walk token, discarding")
	}

	io.WriteString(w, "OK\n")
	return nil
}
