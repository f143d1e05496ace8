// Package security provides validation, sanitization, and limits for the agentqueue module.
//
// This package includes:
//   - Input validation for job types and repository references
//   - Error message sanitization and secret redaction for stored text
//   - Clamping functions to enforce safe limits on attempts and concurrency
//   - Tag normalization for proposals
//
// Most users should import the root package github.com/jdziat/agentqueue
// which wires these into the queue and proposal services.
package security
