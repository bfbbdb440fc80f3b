package claude

import "encoding/json"

// StreamInputMessage is one user turn written to the CLI's stdin.
type StreamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string `json:"role"` // "user"
		Content string `json:"content"`
	} `json:"message"`
}

// NewUserMessage builds the stdin record for a user turn.
func NewUserMessage(text string) StreamInputMessage {
	msg := StreamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = text
	return msg
}

// ControlResponse answers a control_request from the CLI.
type ControlResponse struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

type ControlResponseBody struct {
	Subtype   string             `json:"subtype"` // "success"
	RequestID string             `json:"request_id"`
	Response  PermissionDecision `json:"response"`
}

// PermissionDecision is the can_use_tool answer. Behavior is "allow" or "deny".
type PermissionDecision struct {
	Behavior           string            `json:"behavior"`
	UpdatedInput       json.RawMessage   `json:"updatedInput,omitempty"`
	UpdatedPermissions []json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string            `json:"message,omitempty"`
}

// NewPermissionResponse builds the stdin record that resolves a
// can_use_tool request. An allow echoes the tool input back, since the CLI
// runs the tool with updatedInput; permissions are the suggestions to
// persist for an allow-always answer.
func NewPermissionResponse(requestID string, allow bool, input json.RawMessage, permissions []json.RawMessage, message string) ControlResponse {
	decision := PermissionDecision{Behavior: "deny", Message: message}
	if allow {
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		decision = PermissionDecision{
			Behavior:           "allow",
			UpdatedInput:       input,
			UpdatedPermissions: permissions,
		}
	}
	return ControlResponse{
		Type: "control_response",
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  decision,
		},
	}
}
