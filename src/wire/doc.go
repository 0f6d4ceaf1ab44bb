// Package wire implements the line-based text protocol spoken between ring
// nodes and their clients.
//
// Commands (one per line, newline-terminated):
//
//	SET_NEXT <addr>
//	GET
//	RING <ttl> <message...>
//	WALK                              (client -> start node)
//	WALK HOP <token> <start> <hist>   (node -> node)
//	WALK DONE <token> <hist>          (last node -> start)
//
// The protocol is line-delimited, so the WALK history is encoded on a single
// line using semicolons, e.g.
//
//	7001->7002;7002->7003;7003->7001
//
// Only when the start node replies to its client is the history rendered with
// one edge per line.
package wire
