/*
Package script runs executable units: JavaScript programs evaluated in an embedded goja runtime.

A unit runs in a fresh runtime with these globals:

	channel       the channel the unit is bound to: id, send(v), receive([timeoutMs]), close(), waitclose(), isclosed()
	gateway       the gateway the unit runs in: id, newchannel(), channel(id), redirect(stream, id),
	              resetRedirect(stream), info(), initThreads(n), listen(addr)
	print, console.log, console.error
	              write to the gateway's stdout and stderr outputs, which a peer can redirect into a channel
	sleep(ms)
	EOFError, TimeoutError
	              thrown by receive at end of stream and when its timeout expires

Before the unit itself, the runtime evaluates the prelude: helper functions shipped to the peer during bootstrap.
*/
package script
