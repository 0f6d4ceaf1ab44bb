package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parse errors. These strings travel back to the sender on an ERR line, so
// they are part of the wire contract.
var (
	ErrMissingAddress    = errors.New("missing address")
	ErrMissingTTL        = errors.New("missing ttl")
	ErrInvalidTTL        = errors.New("invalid ttl")
	ErrMalformedWalkHop  = errors.New("malformed WALK HOP")
	ErrMalformedWalkDone = errors.New("malformed WALK DONE")
	ErrUnknownCommand    = errors.New("unknown command")
)

// Command is the parsed representation of one protocol line.
type Command interface {
	isCommand()
}

// SetNext sets the receiving node's successor.
type SetNext struct {
	Addr string
}

// Get reads the receiving node's address and successor.
type Get struct{}

// Ring circulates a message around the ring until its TTL runs out.
type Ring struct {
	TTL     uint32
	Message string
}

// WalkStart initiates a full loop around the ring, issued by a client.
type WalkStart struct{}

// WalkHop carries an in-flight walk from one ring node to the next.
type WalkHop struct {
	Token     string
	StartAddr string
	History   string
}

// WalkDone delivers a completed walk back to its start node.
type WalkDone struct {
	Token   string
	History string
}

func (SetNext) isCommand()   {}
func (Get) isCommand()       {}
func (Ring) isCommand()      {}
func (WalkStart) isCommand() {}
func (WalkHop) isCommand()   {}
func (WalkDone) isCommand()  {}

// ParseLine parses one incoming line from the wire into a Command. Rules are
// checked in order and the first match wins; a line matching no rule is an
// unknown command.
func ParseLine(line string) (Command, error) {
	trimmed := strings.TrimRight(line, "\r\n")

	if rest, ok := strings.CutPrefix(trimmed, "SET_NEXT "); ok {
		addr := strings.TrimSpace(rest)
		if addr == "" {
			return nil, ErrMissingAddress
		}
		return SetNext{Addr: addr}, nil
	}

	if trimmed == "GET" {
		return Get{}, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "RING "); ok {
		ttlStr, msg, _ := strings.Cut(rest, " ")
		if ttlStr == "" {
			return nil, ErrMissingTTL
		}
		ttl, err := strconv.ParseUint(ttlStr, 10, 32)
		if err != nil {
			return nil, ErrInvalidTTL
		}
		return Ring{TTL: uint32(ttl), Message: strings.TrimSpace(msg)}, nil
	}

	if trimmed == "WALK" {
		return WalkStart{}, nil
	}

	// SplitN(3) keeps the history verbatim, spaces included.
	if rest, ok := strings.CutPrefix(trimmed, "WALK HOP "); ok {
		parts := strings.SplitN(rest, " ", 3)
		token := strings.TrimSpace(parts[0])
		startAddr, history := "", ""
		if len(parts) > 1 {
			startAddr = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			history = parts[2]
		}
		if token == "" || startAddr == "" {
			return nil, ErrMalformedWalkHop
		}
		return WalkHop{Token: token, StartAddr: startAddr, History: history}, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "WALK DONE "); ok {
		token, history, _ := strings.Cut(rest, " ")
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, ErrMalformedWalkDone
		}
		return WalkDone{Token: token, History: history}, nil
	}

	return nil, ErrUnknownCommand
}

// FormatSetNext renders a SET_NEXT line.
func FormatSetNext(addr string) string {
	return fmt.Sprintf("SET_NEXT %s", addr)
}

// FormatRing renders a RING line.
func FormatRing(ttl uint32, msg string) string {
	return fmt.Sprintf("RING %d %s", ttl, msg)
}

// FormatWalkHop renders a WALK HOP line.
func FormatWalkHop(token, startAddr, history string) string {
	return fmt.Sprintf("WALK HOP %s %s %s", token, startAddr, history)
}

// FormatWalkDone renders a WALK DONE line.
func FormatWalkDone(token, history string) string {
	return fmt.Sprintf("WALK DONE %s %s", token, history)
}

// AppendEdge appends the edge from->to to a semicolon-joined history.
func AppendEdge(history, from, to string) string {
	edge := from + "->" + to
	if history == "" {
		return edge
	}
	return history + ";" + edge
}

// SplitHistory breaks a semicolon-joined history into its edges, dropping
// empty segments. The client-facing render is one edge per line; the
// semicolon form only ever appears on the wire.
func SplitHistory(history string) []string {
	var edges []string
	for _, seg := range strings.Split(history, ";") {
		if seg != "" {
			edges = append(edges, seg)
		}
	}
	return edges
}

// PortOf extracts the port from a host:port address. A bare port is returned
// unchanged, so addresses that differ only in host notation compare equal
// under PortOf.
func PortOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
