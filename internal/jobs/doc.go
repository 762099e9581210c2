// Package jobs defines the job document exchanged between the hub, the
// policy engine and the executor.
//
// Ownership:
// - the hub owns placement and every hub.* field except executed_*
//
// - the executor owns executor.* and hub.executed_* on jobs it decided to run
//
// Ids are filesystem-safe so a job maps to exactly one <state>/<id>.json file.
package jobs
