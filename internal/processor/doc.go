// Package processor consumes jobs from a channel, runs a Handler on each and
// fans the follow-up jobs out to output channels.
//
// A Processor owns its queue handle, its backend connection and its workers.
// Each worker dials its own connection and runs one job at a time:
//
//	Next -> Handler.Process -> Dispatch (follow-ups) -> Complete
//
// A handler error is logged once with the job id, handed to the channel with
// Fail so the channel's retry policy applies, and no follow-ups are sent.
// Dispatch failures are logged per output and never fail the source job.
//
// CronProcessor adds Cron, which keeps exactly one recurrence rule on the
// processor's own queue.
package processor
