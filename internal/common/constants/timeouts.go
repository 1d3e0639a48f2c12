// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// WorkspaceInitTimeout is the maximum time to wait for initWorkspace,
	// including managed-remote provisioning or a container's project sync.
	WorkspaceInitTimeout = 6 * time.Minute

	// WorkspaceDeleteTimeout is the maximum time to wait for deleteWorkspace,
	// including worktree/container teardown.
	WorkspaceDeleteTimeout = 2 * time.Minute

	// RuntimeEnsureReadyTimeout is the default deadline for EnsureReady when
	// a caller doesn't supply its own.
	RuntimeEnsureReadyTimeout = 30 * time.Second

	// StreamPromptTimeout bounds a single agent turn. Agent turns can run
	// long (large refactors, multi-step tool use), so this is generous.
	StreamPromptTimeout = 60 * time.Minute

	// StreamStallTickInterval is how often the stream pump checks for
	// inactivity.
	StreamStallTickInterval = 30 * time.Second

	// StreamStallWarnAfter is how long a stream can go without an event
	// before the session logs a stall warning.
	StreamStallWarnAfter = 5 * time.Minute
)
