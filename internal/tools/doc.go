// Package tools runs host commands for the executor.
//
// Callers get exit codes and captured output back; deciding what to keep
// from that output is theirs.
package tools
