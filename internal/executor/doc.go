// Package executor runs one batch pass over the hub inbox.
//
// A pass evaluates every confirmed job against policy, plans the allowed
// ones and, only when execution is both requested and enabled by the
// kill switch, runs the plan. Every step is written to the executor audit
// log. Jobs leave the inbox only after a successful run.
package executor
