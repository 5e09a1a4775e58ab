// Package scheduler is the trigger engine: it keeps one cron entry per armed
// job and hands each fire to the execution coordinator.
//
// It decides when a job fires, never whether it runs. Gating happens in
// internal/task/engine; rejected fires are logged (throttled per job) and dropped.
package scheduler
