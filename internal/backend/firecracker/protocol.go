package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed vsock message payload (1 MiB).
const MaxMessageSize = 1 << 20

// Request types understood by the guest agent.
const (
	RequestStart  = "start"
	RequestStatus = "status"
)

// GuestRequest is the JSON payload sent from host to guest over vsock. Each
// connection carries exactly one request and one response.
type GuestRequest struct {
	Type  string        `json:"type"`
	RunID string        `json:"run_id"`
	Start *StartRequest `json:"start,omitempty"`
}

// StartRequest describes the job the guest should launch.
type StartRequest struct {
	Entrypoint []string          `json:"entrypoint"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutS   int               `json:"timeout_s,omitempty"`
}

// GuestResponse is the JSON payload sent from guest to host over vsock.
type GuestResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Status   string `json:"status,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// WriteMessage writes v as JSON behind a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame written by WriteMessage and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
