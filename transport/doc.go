/*
Package transport provides the duplex byte streams that gateways speak their protocol over.

A Transport delivers bytes reliably and in order in both directions and reports a definite end of stream. Close is
idempotent. There is one variant per way of reaching a peer:

  - Pipe wraps the stdin/stdout of a child process (a local peer, or ssh running a remote one).
  - Socket wraps a connected stream socket, including a WebSocket adapted to a net.Conn.
  - Stdio wraps the current process's own stdin/stdout, which is how a spawned peer talks back.
*/
package transport
