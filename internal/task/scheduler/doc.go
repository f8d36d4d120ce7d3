// Package scheduler registers daily cron triggers in the configured timezone.
//
// It only decides when; every firing is handed to the task engine, which
// runs it in its own goroutine.
package scheduler
