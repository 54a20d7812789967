/*
Package gateway multiplexes channels over a single transport between two processes and ships
executable units between them.

An initiator opens a transport with a Spawner (Popen, SSH, Socket, or any type with the same methods),
writes one bootstrap line onto it and starts receiving frames straight away. The peer reads that line
with ServeBootstrap, evaluates it and serves. From then on both ends are symmetric: either may create
channels and ship units to the other.

	gw, err := gateway.Open(ctx, &gateway.Popen{})
	if err != nil {
		return err
	}
	defer gw.Exit(ctx)

	ch, err := gw.RemoteExec("channel.send(1+1)")
	if err != nil {
		return err
	}
	v, err := ch.Receive(ctx) // int64(2)

Channel ids never collide: the initiator allocates odd ids from 1 and the peer even ids from 0.
Values on one channel arrive in the order they were sent. A transport failure or protocol violation
tears the gateway down and every blocked Receive returns the cause.
*/
package gateway
