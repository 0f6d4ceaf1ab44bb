package node

import (
	"bufio"
	"fmt"
	"io"
	gonet "net"
	"strings"
	"testing"
	"time"

	"github.com/adamjohannes/ouroboros/src/common"
	"github.com/adamjohannes/ouroboros/src/config"
	"github.com/adamjohannes/ouroboros/src/net"
	"github.com/adamjohannes/ouroboros/src/wire"
)

func newTestNode(t *testing.T, walkTimeout time.Duration) *Node {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.BindAddr = "127.0.0.1:0"
	conf.DataDir = t.TempDir()
	conf.AckTimeout = 50 * time.Millisecond
	if walkTimeout > 0 {
		conf.WalkTimeout = walkTimeout
	}

	trans, err := net.NewTCPTransport(conf.BindAddr, conf.DialTimeout, conf.AckTimeout, conf.Logger())
	if err != nil {
		t.Fatal(err)
	}

	n := NewNode(conf, trans)
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}

	go n.Run()
	t.Cleanup(n.Shutdown)

	return n
}

// newTestRing starts size nodes and wires i -> (i+1) mod size.
func newTestRing(t *testing.T, size int, walkTimeout time.Duration) []*Node {
	nodes := make([]*Node, size)
	for i := range nodes {
		nodes[i] = newTestNode(t, walkTimeout)
	}
	for i, n := range nodes {
		n.SetNext(nodes[(i+1)%size].Addr())
	}
	return nodes
}

type testClient struct {
	t    *testing.T
	conn gonet.Conn
	r    *bufio.Reader
}

func dialNode(t *testing.T, n *Node) *testClient {
	conn, err := gonet.Dial("tcp", n.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// readUntilDone reads lines until an OK or ERR line and returns the lines
// before it plus the terminator itself.
func (c *testClient) readUntilDone() ([]string, string) {
	var lines []string
	for {
		line := c.readLine()
		if line == "OK" || strings.HasPrefix(line, "ERR ") || strings.HasPrefix(line, "OK ") {
			return lines, line
		}
		lines = append(lines, line)
	}
}

// startRecorder runs a bare listener that records every received line and
// acks it, playing the role of a passive ring neighbour.
func startRecorder(t *testing.T) (string, <-chan string) {
	l, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	lines := make(chan string, 16)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn gonet.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					lines <- scanner.Text()
					io.WriteString(conn, "OK\n")
				}
			}(conn)
		}
	}()

	return l.Addr().String(), lines
}

func TestSetNextGetRoundTrip(t *testing.T) {
	n := newTestNode(t, 0)
	client := dialNode(t, n)

	client.send("SET_NEXT 127.0.0.1:9001")
	if got := client.readLine(); got != "OK next=127.0.0.1:9001" {
		t.Fatalf("bad SET_NEXT response: %q", got)
	}

	client.send("GET")
	if got := client.readLine(); got != "PORT "+n.Addr() {
		t.Fatalf("bad PORT line: %q", got)
	}
	if got := client.readLine(); got != "NEXT 127.0.0.1:9001" {
		t.Fatalf("bad NEXT line: %q", got)
	}
	if got := client.readLine(); got != "OK" {
		t.Fatalf("bad OK line: %q", got)
	}
}

func TestGetUnset(t *testing.T) {
	n := newTestNode(t, 0)
	client := dialNode(t, n)

	client.send("GET")
	client.readLine() // PORT
	if got := client.readLine(); got != "NEXT <unset>" {
		t.Fatalf("bad NEXT line: %q", got)
	}
	client.readLine() // OK
}

func TestGetIdempotent(t *testing.T) {
	n := newTestNode(t, 0)
	client := dialNode(t, n)

	// Repeated GETs never mutate state; repeated identical SET_NEXTs are
	// no-ops observable only via GET.
	for i := 0; i < 3; i++ {
		client.send("SET_NEXT 127.0.0.1:9001")
		client.readLine()
	}
	for i := 0; i < 3; i++ {
		client.send("GET")
		client.readLine()
		if got := client.readLine(); got != "NEXT 127.0.0.1:9001" {
			t.Fatalf("bad NEXT line after repeat %d: %q", i, got)
		}
		client.readLine()
	}
}

func TestParseErrorKeepsConnectionOpen(t *testing.T) {
	n := newTestNode(t, 0)
	client := dialNode(t, n)

	client.send("BOGUS COMMAND")
	if got := client.readLine(); got != "ERR unknown command" {
		t.Fatalf("bad error line: %q", got)
	}

	client.send("RING abc hello")
	if got := client.readLine(); got != "ERR invalid ttl" {
		t.Fatalf("bad error line: %q", got)
	}

	// Same connection still serves valid commands.
	client.send("GET")
	if got := client.readLine(); !strings.HasPrefix(got, "PORT ") {
		t.Fatalf("connection unusable after parse error: %q", got)
	}
	client.readLine()
	client.readLine()
}

func TestRingTTLDecrement(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	recorderAddr, recorded := startRecorder(t)

	a.SetNext(b.Addr())
	b.SetNext(recorderAddr)

	client := dialNode(t, a)
	client.send("RING 2 hello")
	if got := client.readLine(); got != "OK" {
		t.Fatalf("bad RING response: %q", got)
	}

	// Two forwards: A sends RING 1 to B, B sends RING 0 to the recorder,
	// where the chain stops.
	select {
	case line := <-recorded:
		if line != "RING 0 hello" {
			t.Fatalf("bad forwarded line: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the end of the chain")
	}
}

func TestRingZeroTTLNoForward(t *testing.T) {
	a := newTestNode(t, 0)
	recorderAddr, recorded := startRecorder(t)
	a.SetNext(recorderAddr)

	client := dialNode(t, a)
	client.send("RING 0 x")
	if got := client.readLine(); got != "OK" {
		t.Fatalf("bad RING response: %q", got)
	}

	select {
	case line := <-recorded:
		t.Fatalf("unexpected forward: %q", line)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRingNoSuccessor(t *testing.T) {
	a := newTestNode(t, 0)

	client := dialNode(t, a)
	client.send("RING 5 lost")
	if got := client.readLine(); got != "OK" {
		t.Fatalf("RING must reply OK even with no successor: %q", got)
	}
}

func TestRingForwardFailureSwallowed(t *testing.T) {
	a := newTestNode(t, 0)
	a.SetNext("127.0.0.1:1") // nobody listens there

	client := dialNode(t, a)
	client.send("RING 3 hello")
	if got := client.readLine(); got != "OK" {
		t.Fatalf("RING must reply OK despite forward failure: %q", got)
	}
}

func TestWalkClosureThreeNodes(t *testing.T) {
	nodes := newTestRing(t, 3, 0)
	a, b, c := nodes[0], nodes[1], nodes[2]

	client := dialNode(t, a)
	client.send("WALK")
	edges, done := client.readUntilDone()

	if done != "OK" {
		t.Fatalf("walk did not complete: %q", done)
	}
	want := []string{
		a.Addr() + "->" + b.Addr(),
		b.Addr() + "->" + c.Addr(),
		c.Addr() + "->" + a.Addr(),
	}
	if len(edges) != len(want) {
		t.Fatalf("edges = %v, want %v", edges, want)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Fatalf("edge %d = %q, want %q", i, edges[i], want[i])
		}
	}
}

func TestWalkSingleNodeRing(t *testing.T) {
	a := newTestNode(t, 0)
	a.SetNext(a.Addr())

	client := dialNode(t, a)
	client.send("WALK")
	edges, done := client.readUntilDone()

	if done != "OK" {
		t.Fatalf("walk did not complete: %q", done)
	}
	if len(edges) != 1 || edges[0] != a.Addr()+"->"+a.Addr() {
		t.Fatalf("bad single-node walk: %v", edges)
	}
}

func TestWalkBarePortClosure(t *testing.T) {
	// The last node's successor is wired as a bare port while the walk's
	// start address is host:port. Closure is detected on normalized ports.
	nodes := newTestRing(t, 3, 0)
	a, c := nodes[0], nodes[2]
	c.SetNext(wire.PortOf(a.Addr()))

	client := dialNode(t, a)
	client.send("WALK")
	edges, done := client.readUntilDone()

	if done != "OK" {
		t.Fatalf("walk did not complete: %q", done)
	}
	if len(edges) != 3 {
		t.Fatalf("edges = %v", edges)
	}
	if want := c.Addr() + "->" + wire.PortOf(a.Addr()); edges[2] != want {
		t.Fatalf("closing edge = %q, want %q", edges[2], want)
	}
}

func TestWalkNoSuccessor(t *testing.T) {
	a := newTestNode(t, 0)

	client := dialNode(t, a)
	client.send("WALK")
	if got := client.readLine(); got != "ERR no next hop set" {
		t.Fatalf("bad response: %q", got)
	}
	if n := a.PendingWalks(); n != 0 {
		t.Fatalf("pending walks = %d, want 0", n)
	}
}

func TestWalkForwardFailure(t *testing.T) {
	a := newTestNode(t, 0)
	a.SetNext("127.0.0.1:1")

	client := dialNode(t, a)
	client.send("WALK")
	if got := client.readLine(); !strings.HasPrefix(got, "ERR forward failed: ") {
		t.Fatalf("bad response: %q", got)
	}
	if n := a.PendingWalks(); n != 0 {
		t.Fatalf("pending walks = %d, want 0", n)
	}
}

func TestWalkTimeoutOnBrokenRing(t *testing.T) {
	walkTimeout := 300 * time.Millisecond
	a := newTestNode(t, walkTimeout)
	b := newTestNode(t, walkTimeout)
	a.SetNext(b.Addr())
	// b has no successor: the loop never closes.

	client := dialNode(t, a)
	start := time.Now()
	client.send("WALK")
	got := client.readLine()
	elapsed := time.Since(start)

	if got != "ERR walk timeout" {
		t.Fatalf("bad response: %q", got)
	}
	if elapsed < walkTimeout {
		t.Fatalf("timed out after %v, before the %v deadline", elapsed, walkTimeout)
	}
	if n := a.PendingWalks(); n != 0 {
		t.Fatalf("timed-out walk leaked: pending = %d", n)
	}
}

func TestWalkLateDoneDiscarded(t *testing.T) {
	a := newTestNode(t, 0)

	client := dialNode(t, a)
	client.send("WALK DONE deadbeef x->y")
	if got := client.readLine(); got != "OK" {
		t.Fatalf("late DONE must be acked: %q", got)
	}

	// The node is unaffected.
	client.send("GET")
	if got := client.readLine(); !strings.HasPrefix(got, "PORT ") {
		t.Fatalf("node broken after stale DONE: %q", got)
	}
	client.readLine()
	client.readLine()
}

func TestWalkHopWithoutSuccessorAcked(t *testing.T) {
	a := newTestNode(t, 0)

	client := dialNode(t, a)
	client.send("WALK HOP tok 127.0.0.1:7001 7001->" + a.Addr())
	if got := client.readLine(); got != "OK" {
		t.Fatalf("hop must be acked even when dropped: %q", got)
	}
}

func TestWalkTokenIsolation(t *testing.T) {
	nodes := newTestRing(t, 3, 0)
	a := nodes[0]

	type result struct {
		edges []string
		done  string
	}

	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		client := dialNode(t, a)
		go func(c *testClient) {
			c.send("WALK")
			edges, done := c.readUntilDone()
			results <- result{edges, done}
		}(client)
	}

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.done != "OK" {
				t.Fatalf("concurrent walk %d failed: %q", i, res.done)
			}
			if len(res.edges) != 3 {
				t.Fatalf("concurrent walk %d edges: %v", i, res.edges)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("concurrent walks did not both complete")
		}
	}

	if n := a.PendingWalks(); n != 0 {
		t.Fatalf("pending walks = %d, want 0", n)
	}
}

func TestSetNextDuringWalk(t *testing.T) {
	// Rewiring the ring mid-walk may misroute the walk so the loop never
	// closes. That is accepted topology behaviour: the start node times
	// out and the process stays healthy.
	walkTimeout := 300 * time.Millisecond
	nodes := newTestRing(t, 3, walkTimeout)
	a, c := nodes[0], nodes[2]

	orphan := newTestNode(t, walkTimeout) // no successor
	c.SetNext(orphan.Addr())

	client := dialNode(t, a)
	client.send("WALK")
	_, done := client.readUntilDone()

	if done != "ERR walk timeout" {
		t.Fatalf("bad response: %q", done)
	}

	// Rewire the loop; the next walk completes.
	c.SetNext(a.Addr())
	client.send("WALK")
	edges, done := client.readUntilDone()
	if done != "OK" || len(edges) != 3 {
		t.Fatalf("walk after rewire: %v %q", edges, done)
	}
}
