package core

// Well-known root task ids. These anchor system rituals and scheduled jobs.
// A root in the protected set must never be completed or deferred by an
// action dispatched for one of its child tasks.
const (
	WakeupRootTaskID     = "WAKEUP_ROOT"
	SystemRootTaskID     = "SYSTEM_TASK"
	ChannelMonitorTaskID = "job-channel-monitor"
	DreamRootTaskID      = "DREAM_TASK"
)

// DefaultProtectedTaskIDs returns the roots guarded from child terminal
// actions. Deployments may extend the set through configuration.
func DefaultProtectedTaskIDs() []string {
	return []string{WakeupRootTaskID, SystemRootTaskID, ChannelMonitorTaskID, DreamRootTaskID}
}

// Wakeup ritual step types, one per step task seeded under WAKEUP_ROOT.
const (
	StepVerifyIdentity       = "VERIFY_IDENTITY"
	StepValidateIntegrity    = "VALIDATE_INTEGRITY"
	StepEvaluateResilience   = "EVALUATE_RESILIENCE"
	StepAcceptIncompleteness = "ACCEPT_INCOMPLETENESS"
	StepExpressGratitude     = "EXPRESS_GRATITUDE"
)

// WakeupSteps lists the ritual steps in execution order. A step may only
// start once every earlier step's task is completed.
func WakeupSteps() []string {
	return []string{
		StepVerifyIdentity,
		StepValidateIntegrity,
		StepEvaluateResilience,
		StepAcceptIncompleteness,
		StepExpressGratitude,
	}
}
