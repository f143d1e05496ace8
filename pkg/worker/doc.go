// Package worker runs agent jobs and the periodic maintenance around them.
//
// A Worker claims through a queue.Queue as one WorkerIdentity and dispatches
// each job to the Handler registered for its type. While a handler runs, a
// heartbeat goroutine renews the lease and stops the handler's context when
// cancellation is requested, the lease is lost, or the system is paused in
// quiesce mode. The cause is available through context.Cause.
//
// A Reaper sweeps expired leases and elapsed proposal snoozes on a cron
// schedule.
package worker
