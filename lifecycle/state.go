package lifecycle

// DeploymentState is the persisted state of a deployed item.
type DeploymentState string

const (
	StateUnknown    DeploymentState = "UNKNOWN"
	StateInProgress DeploymentState = "IN_PROGRESS"
	StateChecked    DeploymentState = "CHECKED"
	StateCreated    DeploymentState = "CREATED"
	StateStarted    DeploymentState = "STARTED"
	StateStopped    DeploymentState = "STOPPED"
	StateRemoved    DeploymentState = "REMOVED"
	StateFailed     DeploymentState = "FAILED"
)

// IsFailure returns true if the state records a failed step.
func (s DeploymentState) IsFailure() bool {
	return s == StateFailed || s == StateUnknown
}
