package mqtt

import "fmt"

// Topic constants for the synergy agent
const (
	// Control topics (input)
	TopicRunDetection   = "automation/synergy/run"
	TopicRunCalibration = "automation/synergy/calibrate"
	TopicAbort          = "automation/synergy/abort"
	TopicFeedback       = "automation/synergy/feedback"

	// Announcement topics (output)
	TopicRunCompleted  = "automation/synergy/run/completed"
	TopicWeights       = "automation/synergy/weights"
	TopicLifecycleBase = "automation/synergy/lifecycle"

	// TopicStatus carries the retained online/offline availability of the agent
	TopicStatus = "automation/synergy/status"
)

// LifecycleTopic constructs the lifecycle announcement topic for a subject kind
// Pattern: automation/synergy/lifecycle/{kind}
func LifecycleTopic(kind string) string {
	return fmt.Sprintf("%s/%s", TopicLifecycleBase, kind)
}
