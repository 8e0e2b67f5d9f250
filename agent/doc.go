// Package agent implements the orchestration state machine that drives
// multi-agent conversations. The package focuses on three concerns:
//
//  1. Durable per-instance identity and plan state (Info, Plan)
//  2. The per-turn generate → tool-call → feed-back loop (Executor)
//  3. The clarify → plan → execute hand-off between specialized agents
//     (Orchestrator)
//
// Design principles:
//   - Minimal hidden global state: explicit wiring via constructors
//   - Observability: clear logging hooks at turn and hand-off boundaries
//   - Extensibility: specialists are plain Definitions bound by name
//
// Execution Model:
//   - A turn streams model output through a stream.Aggregator, publishing
//     each canonical chunk as an ordered group event on the bus
//   - Tool calls within one batch run concurrently; the turn joins on all
//     of them before the next generation
//   - Unauthorized providers pause the turn with a single confirmation
//     request; an explicit decision resumes or abandons the pending calls
//
// The package intentionally keeps persistence, model specifics and tool
// registry abstractions in their respective packages to avoid cyclic deps.
package agent
