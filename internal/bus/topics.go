package bus

import "strings"

// BroadcastPrefix marks topics that are relayed to the live-update fan-out.
// The remainder of the topic is the wire event type.
const BroadcastPrefix = "broadcast."

const (
	TopicTaskUpdated  = BroadcastPrefix + "task_updated"
	TopicTaskCreated  = BroadcastPrefix + "task_created"
	TopicAgentUpdated = BroadcastPrefix + "agent_updated"
)

// BroadcastType returns the wire event type of a broadcast topic.
func BroadcastType(topic string) (string, bool) {
	if !strings.HasPrefix(topic, BroadcastPrefix) {
		return "", false
	}
	t := strings.TrimPrefix(topic, BroadcastPrefix)
	return t, t != ""
}
