package remote

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterje/expectty/internal/pty"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON Request or Response
	frameData    byte = 0x02 // PTY output, server to client
	frameInput   byte = 0x03 // PTY input, client to server
)

// maxFrame bounds a single frame, type byte included.
const maxFrame = 10 << 20

// maxChunk bounds the payload of one data or input frame.
const maxChunk = 32 << 10

// Commands sent from client to server.
const (
	cmdSpawn  = "spawn"
	cmdResize = "resize"
	cmdSignal = "signal"
	cmdClose  = "close"
)

// Events sent from server to client.
const (
	evtSpawned = "spawned"
	evtError   = "error"
	evtExited  = "exited" // unsolicited, no request ID
	evtOK      = "ok"
)

// Request is a control message from client to server.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	// Spawn fields
	Spawn *pty.Command `json:"spawn,omitempty"`

	// Resize fields
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Signal fields
	Signal string `json:"signal,omitempty"`
}

// Response is a control message from server to client.
type Response struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`

	// Spawned response
	SessionID string `json:"session_id,omitempty"`

	// Error response
	Error string `json:"error,omitempty"`

	// Exited notification
	Status *pty.ExitStatus `json:"status,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// length counts the type byte. A connection carries exactly one PTY, so
// data and input payloads are raw bytes.

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if 1+len(payload) > maxFrame {
		return fmt.Errorf("frame too large: %d", 1+len(payload))
	}
	hdr := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(hdr, uint32(1+len(payload)))
	hdr[4] = frameType
	// One Write per frame so a concurrent writer on the same stream can
	// only interleave whole frames.
	if _, err := w.Write(append(hdr, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrame {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func readControl[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("bad control message: %w", err)
	}
	return msg, nil
}
