// Package proto implements the framing used between a converge client and
// the primary's convergence server.
//
// A frame is a 4-byte big-endian unsigned length followed by exactly that
// many bytes of UTF-8 JSON-RPC 2.0. Each connection carries at most one
// in-flight request at a time, so the JSON-RPC id correlates a response to
// its request for debugging rather than for multiplexing.
//
// Decoding is strict. A frame that announces a length above the configured
// maximum, or whose body is not a well-formed JSON-RPC 2.0 document, yields a
// *DecodeError and the connection must be closed: once framing is in doubt
// there is no safe way to find the start of the next frame in a byte stream,
// so no resynchronization is attempted.
package proto
