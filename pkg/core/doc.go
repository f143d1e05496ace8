// Package core provides the fundamental types and interfaces for the agentqueue module.
//
// This package contains:
//   - AgentJob, event and artifact models with GORM annotations
//   - TaskProposal and notification models
//   - WorkerToken, worker pause state and control event models
//   - Storage interfaces defining the persistence contract
//   - Event types for in-process monitoring
//   - Error sentinels shared by every package
//
// Most users should import the root package github.com/jdziat/agentqueue
// instead of this package directly.
package core
