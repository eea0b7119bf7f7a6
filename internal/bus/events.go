package bus

import "time"

// WorldMessageEvent is a durable conversation event published on
// ChannelMessage.
type WorldMessageEvent struct {
	Content           string
	Sender            string
	MessageID         string
	Timestamp         time.Time
	ChatID            string
	ReplyToMessageID  string
}

// SSEEventType enumerates WorldSSEEvent.Type values.
type SSEEventType string

const (
	SSEStart      SSEEventType = "start"
	SSEChunk      SSEEventType = "chunk"
	SSEEnd        SSEEventType = "end"
	SSEError      SSEEventType = "error"
	SSEToolStream SSEEventType = "tool-stream"
)

// WorldSSEEvent is an ephemeral streaming fragment published on ChannelSSE.
type WorldSSEEvent struct {
	AgentName string
	Type      SSEEventType
	Content   string
	Error     string
	MessageID string
	Usage     map[string]int
	Aborted   bool
}

// WorldToolEventType enumerates WorldToolEvent.Type values.
type WorldToolEventType string

const (
	ToolStart    WorldToolEventType = "tool-start"
	ToolProgress WorldToolEventType = "tool-progress"
	ToolResult   WorldToolEventType = "tool-result"
	ToolError    WorldToolEventType = "tool-error"
	ToolStream   WorldToolEventType = "tool-stream"
)

// ToolExecution carries the detail payload of a WorldToolEvent.
type ToolExecution struct {
	ExecutionID string
	ToolName    string
	Args        string
	Result      string
	Stream      string // "stdout" | "stderr", set only for ToolStream
}

// WorldToolEvent reports tool lifecycle on ChannelWorld.
type WorldToolEvent struct {
	AgentName     string
	Type          WorldToolEventType
	MessageID     string
	ChatID        string
	ToolExecution ToolExecution
}

// WorldSystemEvent is a world-level notice published on ChannelSystem.
type WorldSystemEvent struct {
	Content   string
	MessageID string
	Timestamp time.Time
	ChatID    string
}

// ActivityEventType enumerates WorldActivityEvent.Type values.
type ActivityEventType string

const (
	ActivityResponseStart ActivityEventType = "response-start"
	ActivityResponseEnd   ActivityEventType = "response-end"
	ActivityIdle          ActivityEventType = "idle"
)

// WorldActivityEvent reports the activity tracker's lifecycle on
// ChannelWorld and additionally on its own type name.
type WorldActivityEvent struct {
	Type              ActivityEventType
	PendingOperations int
	ActivityID        int64
	Timestamp         time.Time
	Source            string
	ActiveSources     []string
	Queue             map[string]int
}
