// Package queue is the agent job lifecycle service.
//
// A Queue wraps a core.JobStore and adds input validation, pause gating,
// secret redaction, lifecycle events and artifact uploads:
//   - Enqueue validates a job and stores it as queued
//   - Claim leases the next eligible job to an authenticated worker
//   - Heartbeat renews a lease and reports pending cancellation or quiesce
//   - Complete, Fail, AcknowledgeCancellation finish an attempt
//   - RequestCancellation and DeadLetter are operator actions
//   - ReapExpiredLeases recovers jobs whose worker went silent
//
// Every transition is a conditional write in the store, so any number of
// Queue instances may share one database.
package queue
