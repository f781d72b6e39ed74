// Package notifier delivers run notifications to operators.
//
// The engine calls Notify once per finished run. Final failures are sent to
// the job's recipients (or the configured default recipients); successful
// runs that produced rows send those rows when the job has recipients.
//
// # Pipeline
//
// Messages are queued and delivered by a small supervised worker pool with
// a shared token-bucket rate limit, retries with backoff and a short dedup
// window. Each configured Sink (log, SMTP, Telegram) receives its own
// delivery so a slow mail relay does not hold back the chat sink.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// delivered messages.
package notifier
