package storage

// Package storage is the sqlite data store shared with the admin console.
//
// It reads the schedule tables (users, directions, time_slots, pairs,
// pair_assignments) and owns the append-only delivery_log.
