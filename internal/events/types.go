// Package events provides event types and subject utilities for the agentmux event system.
package events

// Event types for agents
const (
	AgentCreated      = "agent.created"
	AgentUpdated      = "agent.updated"
	AgentSignal       = "agent.signal"
	AgentRemoved      = "agent.removed"
	AgentStateChanged = "agent.state_changed"
)

// Event types for processes
const (
	ProcessStarted = "process.started"
	ProcessExited  = "process.exited"
)

// Event types for test environments
const (
	TestEnvStarted = "testenv.started"
	TestEnvExited  = "testenv.exited"
)

// Event types for assignments
const (
	AssignmentCreated = "assignment.created"
	AssignmentUpdated = "assignment.updated"
	AssignmentMerged  = "assignment.merged"
)

// Subject patterns
const (
	SubjectAgentUpdated      = "agent.updated"
	SubjectAgentSignal       = "agent.signal"
	SubjectProcessExit       = "process.exit"
	SubjectProcessStatus     = "process.status"
	SubjectTestEnvStarted    = "testenv.started"
	SubjectTestEnvExited     = "testenv.exited"
	SubjectAssignmentUpdated = "assignment.updated"
)

// BuildAgentUpdatedSubject creates an agent update subject for a specific agent
func BuildAgentUpdatedSubject(agentID string) string {
	return SubjectAgentUpdated + "." + agentID
}

// BuildAgentUpdatedWildcardSubject creates a wildcard subscription for all agent update events
func BuildAgentUpdatedWildcardSubject() string {
	return SubjectAgentUpdated + ".*"
}

// BuildAgentSignalSubject creates an agent signal subject for a specific agent
func BuildAgentSignalSubject(agentID string) string {
	return SubjectAgentSignal + "." + agentID
}

// BuildAgentSignalWildcardSubject creates a wildcard subscription for all agent signal events
func BuildAgentSignalWildcardSubject() string {
	return SubjectAgentSignal + ".*"
}

// BuildProcessExitSubject creates a process exit subject for a specific agent and role
func BuildProcessExitSubject(agentID, role string) string {
	return SubjectProcessExit + "." + agentID + "." + role
}

// BuildProcessExitWildcardSubject creates a wildcard subscription for all process exit events
func BuildProcessExitWildcardSubject() string {
	return SubjectProcessExit + ".>"
}

// BuildProcessStatusSubject creates a process status subject for a specific agent and role
func BuildProcessStatusSubject(agentID, role string) string {
	return SubjectProcessStatus + "." + agentID + "." + role
}

// BuildProcessStatusWildcardSubject creates a wildcard subscription for all process status events
func BuildProcessStatusWildcardSubject() string {
	return SubjectProcessStatus + ".>"
}

// BuildTestEnvStartedSubject creates a test environment start subject for a specific agent and command
func BuildTestEnvStartedSubject(agentID, commandID string) string {
	return SubjectTestEnvStarted + "." + agentID + "." + commandID
}

// BuildTestEnvStartedWildcardSubject creates a wildcard subscription for all test environment start events
func BuildTestEnvStartedWildcardSubject() string {
	return SubjectTestEnvStarted + ".>"
}

// BuildTestEnvExitedSubject creates a test environment exit subject for a specific agent and command
func BuildTestEnvExitedSubject(agentID, commandID string) string {
	return SubjectTestEnvExited + "." + agentID + "." + commandID
}

// BuildTestEnvExitedWildcardSubject creates a wildcard subscription for all test environment exit events
func BuildTestEnvExitedWildcardSubject() string {
	return SubjectTestEnvExited + ".>"
}

// BuildAssignmentUpdatedSubject creates an assignment update subject for a specific assignment
func BuildAssignmentUpdatedSubject(assignmentID string) string {
	return SubjectAssignmentUpdated + "." + assignmentID
}

// BuildAssignmentUpdatedWildcardSubject creates a wildcard subscription for all assignment update events
func BuildAssignmentUpdatedWildcardSubject() string {
	return SubjectAssignmentUpdated + ".*"
}
