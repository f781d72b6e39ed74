// Package scheduler is the dispatcher: on every tick it evaluates the cron
// schedule of each enabled job definition against a persisted watermark and
// enqueues the due times it finds.
//
// The watermark of a job is the last due time handed to the queue. It is
// written after enqueueing, so a restart re-derives exactly the due times
// that were not dispatched yet (subject to MaxCatchUp).
package scheduler
