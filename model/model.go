package model

import (
	"encoding/base64"
	"fmt"
)

// ExecutionRequest represents the request structure for running a snippet
// through the sandbox from one of the service surfaces (NATS, HTTP).
type ExecutionRequest struct {
	Code     string   `json:"code" binding:"required"` // base64 encoded source
	Inputs   []string `json:"inputs,omitempty"`        // answers for input() placeholders, in order
	OutputID string   `json:"output_id,omitempty"`
}

// ExecutionResponse represents the response structure for an executed snippet
type ExecutionResponse struct {
	MessageID     string  `json:"message_id,omitempty"`
	Output        string  `json:"output"`
	Images        []Image `json:"images,omitempty"`
	Error         string  `json:"error,omitempty"`
	StatusMessage string  `json:"status_message"`
	Success       bool    `json:"success"`
	ExecutionTime string  `json:"execution_time,omitempty"`
}

// Image is a captured plot rendering.
type Image struct {
	Data   string `json:"data"` // base64 encoded PNG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PNG decodes the image payload.
func (i Image) PNG() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return raw, nil
}
