/*
Package dispatch runs the units a gateway receives.

By default every unit runs on its own goroutine. InstallPool switches the dispatcher to a fixed pool: units are put on a
bounded queue and run by at most n goroutines at a time. Enqueueing never blocks the caller, which is the gateway's
receive loop; when the queue is full Dispatch returns ErrQueueFull and the gateway reports the failure on the unit's
channel instead of stalling every other channel.

A nil task on the pool's queue is the stop sentinel: the pool stops taking work, runs what was queued before it, and
returns once all of its goroutines have finished.
*/
package dispatch
