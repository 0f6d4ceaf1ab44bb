package commands

import (
	"bufio"
	"fmt"
	gonet "net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/adamjohannes/ouroboros/src/net"
	"github.com/adamjohannes/ouroboros/src/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewNetworkCmd returns the command that spawns N node processes and
// stitches them into a ring.
func NewNetworkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "network",
		Short:   "Spawn nodes and stitch them into a ring",
		PreRunE: loadConfig,
		RunE:    runNetwork,
	}

	AddNetworkFlags(cmd)

	return cmd
}

// AddNetworkFlags adds flags to the network command.
func AddNetworkFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("nodes", "n", conf.NbNodes, "Number of nodes to spawn")
	cmd.Flags().IntP("base-port", "p", conf.BasePort, "First port; nodes use base, base+1, ...")
	cmd.Flags().String("host", conf.Host, "Host to bind and to use when wiring SET_NEXT")
	cmd.Flags().Bool("no-block", conf.NoBlock, "Start and wire the nodes, then return")
	cmd.Flags().Duration("wait", conf.Wait, "Extra wait after spawning before wiring")
}

func runNetwork(cmd *cobra.Command, args []string) error {
	if conf.NbNodes < 1 {
		return fmt.Errorf("--nodes must be >= 1")
	}

	logger := conf.Node.Logger()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// 1) Spawn the children. Each node gets the shared data directory and
	// creates its own port-named subdirectory inside it. The status service
	// is disabled so the children don't fight over its port.
	children := make([]*exec.Cmd, conf.NbNodes)
	addrs := make([]string, conf.NbNodes)
	for i := range children {
		addr := fmt.Sprintf("%s:%d", conf.Host, conf.BasePort+i)

		child := exec.Command(exe, "run",
			"--listen", addr,
			"--datadir", conf.Node.DataDir,
			"--log", conf.Node.LogLevel,
			"--no-service")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr

		if err := child.Start(); err != nil {
			killAll(children[:i])
			return err
		}

		logger.WithFields(logrus.Fields{
			"node": i,
			"addr": addr,
			"pid":  child.Process.Pid,
		}).Info("spawned node")

		children[i] = child
		addrs[i] = addr
	}

	// 2) Wait until every node is accepting connections.
	time.Sleep(conf.Wait)
	for _, addr := range addrs {
		if err := waitUntilListening(addr, 3*time.Second); err != nil {
			killAll(children)
			return err
		}
	}

	// 3) Wire the ring: i -> (i+1) mod N.
	for i, addr := range addrs {
		next := addrs[(i+1)%len(addrs)]
		line := wire.FormatSetNext(next)
		if err := net.SendLine(addr, line, conf.Node.DialTimeout, conf.Node.AckTimeout, logger); err != nil {
			killAll(children)
			return err
		}
	}
	logger.WithFields(logrus.Fields{
		"nodes": conf.NbNodes,
		"first": addrs[0],
		"last":  addrs[len(addrs)-1],
	}).Info("ring stitched")

	// 4) Optionally block until 'quit' or a signal, then stop the children.
	if !conf.NoBlock {
		fmt.Println("Type 'quit' + Enter or press Ctrl-C to stop all nodes")
		waitForQuit()
		killAll(children)
	}

	return nil
}

func waitUntilListening(addr string, deadline time.Duration) error {
	start := time.Now()
	for {
		conn, err := gonet.DialTimeout("tcp", addr, deadline)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Since(start) > deadline {
			return fmt.Errorf("timeout waiting for %s", addr)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func waitForQuit() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stdinCh := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if scanner.Text() == "quit" {
				close(stdinCh)
				return
			}
		}
	}()

	select {
	case <-sigCh:
	case <-stdinCh:
	}
}

func killAll(children []*exec.Cmd) {
	for _, child := range children {
		if child == nil || child.Process == nil {
			continue
		}
		// It's fine if it's already gone.
		child.Process.Kill()
		child.Wait()
	}
}
