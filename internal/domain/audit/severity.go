package audit

// SeverityPolicy maps an action and its outcome to a severity. Actions in
// Critical stay critical whatever the outcome; any other failure is high.
type SeverityPolicy struct {
	Critical map[Action]bool
	High     map[Action]bool
}

// DefaultSeverityPolicy returns the policy used by the recorder unless
// overridden.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{
		Critical: map[Action]bool{
			ActionDeletePHI:        true,
			ActionExportPHI:        true,
			ActionPermissionDenied: true,
			ActionFailedLogin:      true,
			ActionCURESCheckFailed: true,
		},
		High: map[Action]bool{
			ActionUpdatePHI:    true,
			ActionApproveClaim: true,
			ActionDenyClaim:    true,
		},
	}
}

// Classify returns the severity for an event. It is a pure function of its
// arguments. A failed action from the critical set stays critical and is not
// lowered to high.
func (p SeverityPolicy) Classify(action Action, success bool) Severity {
	switch {
	case p.Critical[action]:
		return SeverityCritical
	case !success:
		return SeverityHigh
	case p.High[action]:
		return SeverityHigh
	case action.IsView():
		return SeverityLow
	default:
		return SeverityMedium
	}
}
