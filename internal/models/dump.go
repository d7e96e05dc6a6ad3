package models

import "time"

// DumpResult holds the result of a remote dump preparation.
type DumpResult struct {
	Output   string
	Duration time.Duration
	Error    error
}

// RsnapshotResult holds the result of an rsnapshot invocation.
type RsnapshotResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
	Error    error
}

// HookResult holds the result of a local hook command.
type HookResult struct {
	Command  string
	Output   string
	ExitCode int
	Error    error
}
