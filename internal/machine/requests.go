package machine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Air-hive/Airhive-firmware-v2/internal/models"
)

// Endpoint ceilings and field limits.
const (
	MaxEchoPayload     = 64
	MaxCommandsPayload = 50 << 10
	MaxSmallPayload    = 32

	// MaxCommandLength is exclusive: a command must be shorter than this.
	MaxCommandLength = 128
	// MaxResponsesLength caps the status blob.
	MaxResponsesLength = 100
)

// Command is one textual machine command. It rejects JSON null and
// non-string values when decoded.
type Command string

func (c *Command) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("command is null")
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Command(s)
	return nil
}

// CommandsRequest is the body of POST /commands.
type CommandsRequest struct {
	Commands *[]Command `json:"commands"`
}

// ResponsesRequest is the body of GET /responses.
type ResponsesRequest struct {
	Size *int `json:"size"`
}

// SettingsRequest is the body of PUT /machine-config.
type SettingsRequest struct {
	BaudRate *int `json:"baudrate"`
}

func decode(body []byte, limit int, v any) error {
	if len(body) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(body), limit)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return nil
}

// ParseCommandBatch validates a whole command batch. If any command fails,
// the batch is rejected and no command is returned.
func ParseCommandBatch(body []byte) ([]string, error) {
	var req CommandsRequest
	if err := decode(body, MaxCommandsPayload, &req); err != nil {
		return nil, err
	}
	if req.Commands == nil {
		return nil, fmt.Errorf("%w: commands must be an array", ErrMalformedInput)
	}

	cmds := make([]string, len(*req.Commands))
	for i, c := range *req.Commands {
		if n := utf8.RuneCountInString(string(c)); n >= MaxCommandLength {
			return nil, fmt.Errorf("%w: command %d has %d characters, limit %d", ErrMalformedInput, i, n, MaxCommandLength-1)
		}
		cmds[i] = string(c)
	}
	return cmds, nil
}

// ParseResponsesRequest returns the requested status size.
func ParseResponsesRequest(body []byte) (int, error) {
	var req ResponsesRequest
	if err := decode(body, MaxSmallPayload, &req); err != nil {
		return 0, err
	}
	if req.Size == nil {
		return 0, fmt.Errorf("%w: size is required", ErrMalformedInput)
	}
	return *req.Size, nil
}

// ParseSettings returns the settings carried by a configuration request.
func ParseSettings(body []byte) (models.Settings, error) {
	var req SettingsRequest
	if err := decode(body, MaxSmallPayload, &req); err != nil {
		return models.Settings{}, err
	}
	if req.BaudRate == nil {
		return models.Settings{}, fmt.Errorf("%w: baudrate is required", ErrMalformedInput)
	}
	if *req.BaudRate <= 0 {
		return models.Settings{}, fmt.Errorf("%w: baudrate must be positive", ErrMalformedInput)
	}
	return models.Settings{BaudRate: *req.BaudRate}, nil
}

// Responses produces a telemetry blob of min(size, MaxResponsesLength)
// characters. Its content is filler until live telemetry is reported.
func Responses(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("%w: size must be positive", ErrMalformedInput)
	}
	return strings.Repeat("R", min(size, MaxResponsesLength)), nil
}
