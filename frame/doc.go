/*
Package frame reads and writes the discrete messages exchanged by two gateways over a transport.

Each frame is a 9-byte header followed by the payload:

	[4 bytes channel id, big-endian] [1 byte kind] [4 bytes payload length, big-endian] [payload]

Frames of different channels may interleave on the wire, but a stream is only ever read by one goroutine and written
under one lock, so frames of a single channel keep their order.
*/
package frame
