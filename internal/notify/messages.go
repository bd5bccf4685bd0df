package notify

import "strings"

// Outbound message types.
const (
	TypeAckResponse     = "Ack_response"
	TypeUndoResponse    = "Undo_response"
	TypeReportState     = "Report_state"
	TypeCommandFinished = "Command_finished"
	TypeRobotState      = "Robot_state"
	TypeReady           = "ready"
	TypeHeartbeat       = "heartbeat"
)

// Status is the outcome reported to clients.
type Status string

const (
	StatusOk    Status = "Ok"
	StatusError Status = "Error"
)

// StatusOf derives the status of an interpreter reply.
func StatusOf(message string) Status {
	if strings.HasPrefix(message, "ack") {
		return StatusOk
	}
	return StatusError
}

// AckResponse answers a submitted command.
type AckResponse struct {
	ID      int    `json:"id"`
	Status  Status `json:"status"`
	Command string `json:"command"`
	Message string `json:"message"`
}

// NewAckResponse builds a response whose status follows the message.
func NewAckResponse(id int, command, message string) AckResponse {
	return AckResponse{ID: id, Status: StatusOf(message), Command: command, Message: message}
}

// UndoResponse answers an undo request.
type UndoResponse struct {
	ID      int    `json:"id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// StateReport carries variable values read from the robot.
type StateReport struct {
	ID        int               `json:"id"`
	Variables map[string]string `json:"variables"`
	// Inspection is set for inspection point reports.
	Inspection bool  `json:"inspection,omitempty"`
	Timestamp  int64 `json:"timestamp"`
}

// CommandFinished reports a completed command.
type CommandFinished struct {
	ID      int    `json:"id"`
	Command string `json:"command,omitempty"`
}

// RobotState carries the latest telemetry values.
type RobotState struct {
	Values    map[string]string `json:"values"`
	Timestamp int64             `json:"timestamp"`
}
