// Command orchestratord runs the task graph orchestrator: a goal
// decomposer, capability-based assignment matcher, and failure-recovery
// loop sitting in front of an embedded task graph store.
package main

func main() {
	Execute()
}
