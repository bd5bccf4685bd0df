package feedback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/robot-control/rbc/internal/controller"
)

// Message types emitted by the companion program.
const (
	TypeReportState        = "Report_state"
	TypeCommandFinished    = "Command_finished"
	TypeInterpreterCleared = "Interpreter_cleared"
)

// Message is a decoded feedback frame. The concrete types are
// *CommandFinished, *ReportState and *InterpreterCleared.
type Message interface {
	MessageType() string
}

// CommandFinished reports that the interpreter executed a command.
type CommandFinished struct {
	ID      int    `json:"id"`
	Command string `json:"command,omitempty"`
}

// ReportState carries the values of the probed code variables.
type ReportState struct {
	ID        int        `json:"id"`
	Variables []Variable `json:"data"`
	// Timestamp is in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`
}

// InterpreterCleared acknowledges a clear_interpreter() request.
type InterpreterCleared struct {
	ID int `json:"id"`
}

// Variable is one reported value.
type Variable struct {
	Name   string      `json:"name" mapstructure:"name"`
	Type   string      `json:"type" mapstructure:"type"`
	Value  interface{} `json:"value" mapstructure:"value"`
	Global bool        `json:"global" mapstructure:"global"`
}

func (*CommandFinished) MessageType() string    { return TypeCommandFinished }
func (*ReportState) MessageType() string        { return TypeReportState }
func (*InterpreterCleared) MessageType() string { return TypeInterpreterCleared }

// envelope is the wire shape shared by all messages.
type envelope struct {
	Type      string                   `json:"type"`
	ID        *int                     `json:"id"`
	Command   string                   `json:"command"`
	Data      []map[string]interface{} `json:"data"`
	Timestamp int64                    `json:"timestamp"`
}

// Decode parses one frame payload.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &controller.RobotError{Kind: controller.ErrDecode, Raw: string(payload), Detail: "invalid JSON", Err: err}
	}
	if env.ID == nil {
		return nil, &controller.RobotError{Kind: controller.ErrDecode, Raw: string(payload), Detail: "missing id"}
	}

	switch env.Type {
	case TypeCommandFinished:
		return &CommandFinished{ID: *env.ID, Command: env.Command}, nil

	case TypeInterpreterCleared:
		return &InterpreterCleared{ID: *env.ID}, nil

	case TypeReportState:
		variables, err := decodeVariables(env.Data)
		if err != nil {
			return nil, &controller.RobotError{Kind: controller.ErrDecode, Raw: string(payload), Detail: "bad variable entry", Err: err}
		}
		timestamp := env.Timestamp
		if timestamp == 0 {
			timestamp = time.Now().UnixMilli()
		}
		return &ReportState{ID: *env.ID, Variables: variables, Timestamp: timestamp}, nil

	default:
		return nil, &controller.RobotError{Kind: controller.ErrDecode, Raw: string(payload), Detail: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

func decodeVariables(entries []map[string]interface{}) ([]Variable, error) {
	variables := make([]Variable, 0, len(entries))
	for i, entry := range entries {
		for _, key := range []string{"name", "type", "value", "global"} {
			if _, ok := entry[key]; !ok {
				return nil, fmt.Errorf("entry %d: missing %q", i, key)
			}
		}

		var v Variable
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:      &v,
			ErrorUnused: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(entry); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		variables = append(variables, v)
	}
	return variables, nil
}

// Encode renders a message back to its wire JSON. Notifications reuse it.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *CommandFinished:
		return json.Marshal(struct {
			Type string `json:"type"`
			*CommandFinished
		}{TypeCommandFinished, m})
	case *ReportState:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ReportState
		}{TypeReportState, m})
	case *InterpreterCleared:
		return json.Marshal(struct {
			Type string `json:"type"`
			*InterpreterCleared
		}{TypeInterpreterCleared, m})
	default:
		return nil, fmt.Errorf("unknown message %T", msg)
	}
}

// ValueString renders a reported value the way URScript would print it.
func ValueString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%v", v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
