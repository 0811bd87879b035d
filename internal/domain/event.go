package domain

// EventType is the verb carried in an envelope's "event" field.
type EventType string

// Control events understood by the shepherd and its agents. The wire values
// match the conventional verbs used by the environment and cell agents.
const (
	EventAddAgent    EventType = "ADD_AGENT"
	EventRemoveAgent EventType = "REMOVE_AGENT"

	EventTriggerAll  EventType = "TRIGGER_ALL"
	EventPauseAll    EventType = "PAUSE_ALL"
	EventShutdownAll EventType = "SHUTDOWN_ALL"

	EventTriggerAgent  EventType = "TRIGGER_AGENT"
	EventPauseAgent    EventType = "PAUSE_AGENT"
	EventShutdownAgent EventType = "SHUTDOWN_AGENT"

	EventCellDeclare            EventType = "CELL_DECLARE"
	EventDivideCell             EventType = "DIVIDE_CELL"
	EventEnvironmentSynchronize EventType = "ENVIRONMENT_SYNCHRONIZE"

	EventInitialize              EventType = "INITIALIZE"
	EventVisualizationInitialize EventType = "VISUALIZATION_INITIALIZE"
)

// BroadcastEvent maps an *_ALL control verb to the per-agent verb fanned out
// on the agent-receive topic. The second return is false for non-broadcast
// events.
func BroadcastEvent(e EventType) (EventType, bool) {
	switch e {
	case EventTriggerAll:
		return EventTriggerAgent, true
	case EventPauseAll:
		return EventPauseAgent, true
	case EventShutdownAll:
		return EventShutdownAgent, true
	}
	return "", false
}
