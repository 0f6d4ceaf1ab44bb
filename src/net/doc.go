// Package net implements the transport used to communicate between ring
// nodes.
//
// The Transport couples a listening side, which accepts inbound stream
// connections and hands each one to the node's connection handler, with a
// sending side that opens short-lived outbound connections to forward single
// command lines. Both sides of a ring node use the same transport: the node
// is a server for inbound commands and a client when it forwards to its
// successor.
//
// The underlying stream is abstracted by the StreamLayer interface so that
// the transport does not care whether it runs over plain TCP or something
// else. Only a TCP implementation is provided.
package net
