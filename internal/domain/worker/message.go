package worker

import (
	"encoding/json"
)

// MessageType is the routing tag of an inter-process message.
type MessageType string

const (
	// MessageBotCommand is delivered to the single BotMain worker.
	MessageBotCommand MessageType = "bot_command"
	// MessageTaskDispatch is delivered to one BotWorker chosen by taskId.
	MessageTaskDispatch MessageType = "task_dispatch"
)

// Message is the value exchanged between workers through the supervisor.
// Types other than the two above are carried but never routed.
type Message struct {
	Type    MessageType     `json:"type"`
	TaskID  *int64          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewTaskDispatch builds a task_dispatch message.
func NewTaskDispatch(taskID int64, payload json.RawMessage) Message {
	id := taskID
	return Message{Type: MessageTaskDispatch, TaskID: &id, Payload: payload}
}

// NewBotCommand builds a bot_command message.
func NewBotCommand(payload json.RawMessage) Message {
	return Message{Type: MessageBotCommand, Payload: payload}
}
