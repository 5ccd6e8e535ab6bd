package cliapp

// Exit codes, carried over from the engine's original graph-runner CLI:
// a distinct code for bad invocation vs. configuration vs. an internal
// failure lets callers (shell scripts, systemd units) distinguish "you
// passed bad flags" from "the database is broken" without parsing stderr.
const (
	ExitSuccess           = 0
	ExitOperationFailed   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)
