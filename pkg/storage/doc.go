// Package storage persists agent jobs, worker tokens, proposals and the
// worker pause flag.
//
// GormStorage implements every store interface in pkg/core on top of GORM.
// PostgreSQL is the production target; SQLite backs tests and single-node
// deployments. State transitions are conditional updates, so concurrent
// callers on either database observe exactly one winner.
package storage
