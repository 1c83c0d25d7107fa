// Package scheduler owns the timed-event map: one-shot, interval, and
// cron events that publish a payload to a target topic when due.
//
// A fixed worker pool executes due events. Interval events catch up at
// most one missed fire after downtime, one-shot events disable
// themselves after firing, and cron events follow a five-field UTC
// schedule. Each event keeps a bounded execution history, and the whole
// event map is snapshotted to bbolt so schedules survive restarts.
package scheduler
