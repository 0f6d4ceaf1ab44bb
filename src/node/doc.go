// Package node implements the protocol engine of an Ouroboros ring node.
//
// A node is a single process that is both a server and a client. It serves
// line-delimited text commands on its listen address, from human clients and
// from its ring neighbours alike, and it opens outbound connections to its
// successor when a command has to travel around the ring. Each inbound
// connection is handled by its own goroutine; within a connection, commands
// are processed strictly in the order received.
//
// Two distributed algorithms are layered on the ring.
//
// RING circulates a message with a TTL hop budget. Each node logs the
// message, decrements the TTL, and forwards to its successor until the TTL
// reaches zero. The client that injected the message gets an immediate OK;
// forwarding failures stay local.
//
// WALK traverses the full loop. The start node registers a one-shot token,
// sends a WALK HOP to its successor, and blocks the client connection until
// a WALK DONE carrying the same token arrives on some later connection, or
// until the walk timeout elapses. Intermediate nodes append their edge to
// the history and pass the hop along; the node whose successor is the start
// node closes the loop. The token registry is the only piece of shared
// state beyond the successor pointer, and both are mutex-guarded.
package node
