// Package runner ties the runtime together: the event bus, the task
// scheduler, the agent orchestrator, conversation persistence and outbound
// notification are wired into a single Runtime with a small public surface
// (Run, Decide, Cancel, Shutdown).
//
// The Runtime enforces the single-writer-per-conversation rule with an
// explicit per-conversation mutex: only one turn per conversation is active
// at once, while unrelated conversations run fully in parallel on the
// scheduler's worker pool.
package runner
