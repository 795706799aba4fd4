// Package protocol defines the wire formats shared by the broker and
// the sync coordinator: WebSocket frames and REST payloads.
//
// WebSocket payloads are a closed set of tagged messages. Decode maps
// any unrecognized tag to MessageTypeUnknown instead of failing, so a
// newer server never crashes an older client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a WebSocket frame.
type MessageType string

// Client -> server frame types.
const (
	MessageTypeIdentify  MessageType = "identify"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypePing      MessageType = "ping"
	MessageTypeSubscribe MessageType = "subscribe"
)

// Server -> client frame types.
const (
	MessageTypeConnected        MessageType = "connected"
	MessageTypePong             MessageType = "pong"
	MessageTypePresenceSnapshot MessageType = "presence_snapshot"
	MessageTypeUserOnline       MessageType = "user_online"
	MessageTypeUserOffline      MessageType = "user_offline"
	MessageTypeAnswerSubmitted  MessageType = "answer_submitted"
	MessageTypeBatchSubmitted   MessageType = "batch_submitted"
	MessageTypeRealtimeUpdate   MessageType = "realtime_update"
)

// MessageTypeUnknown is the explicit variant for unrecognized tags.
// Frames of this type are ignored, never treated as errors.
const MessageTypeUnknown MessageType = "unknown"

// knownTypes is the closed set Decode recognizes.
var knownTypes = map[MessageType]bool{
	MessageTypeIdentify:  true,
	MessageTypeHeartbeat: true,
	MessageTypePing:      true,
	MessageTypeSubscribe: true,

	MessageTypeConnected:        true,
	MessageTypePong:             true,
	MessageTypePresenceSnapshot: true,
	MessageTypeUserOnline:       true,
	MessageTypeUserOffline:      true,
	MessageTypeAnswerSubmitted:  true,
	MessageTypeBatchSubmitted:   true,
	MessageTypeRealtimeUpdate:   true,
}

// Frame is the union of all WebSocket payloads. Only the fields
// relevant to a frame's Type are populated; the rest stay zero and are
// omitted on the wire.
type Frame struct {
	Type MessageType `json:"type"`

	// identify, heartbeat, user_online, user_offline
	Username string `json:"username,omitempty"`

	// subscribe
	QuestionID string `json:"questionId,omitempty"`

	// presence_snapshot
	Users []string `json:"users,omitempty"`

	// answer_submitted, realtime_update
	Answer *PeerAnswer `json:"answer,omitempty"`

	// batch_submitted
	Count int `json:"count,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Decode parses a WebSocket frame. Malformed JSON is an error; an
// unknown type tag is not, it decodes to MessageTypeUnknown and the
// caller drops it.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if !knownTypes[f.Type] {
		return Frame{Type: MessageTypeUnknown}, nil
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// PeerAnswer is one answer record as it travels between peers, both in
// WebSocket frames and in the REST delta-pull payload.
type PeerAnswer struct {
	Username    string `json:"username"`
	QuestionID  string `json:"question_id"`
	AnswerValue string `json:"answer_value"`
	Timestamp   int64  `json:"timestamp"`
}

// PeerDataResponse is the body of GET /api/peer-data.
type PeerDataResponse struct {
	Data       []PeerAnswer `json:"data"`
	Total      int          `json:"total"`
	Filtered   int          `json:"filtered"`
	Cached     bool         `json:"cached"`
	LastUpdate int64        `json:"lastUpdate"`
}

// SubmitResponse is the body of POST /api/submit-answer.
type SubmitResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
	Broadcast int   `json:"broadcast"`
}

// BatchRequest is the body of POST /api/batch-submit.
type BatchRequest struct {
	Answers []PeerAnswer `json:"answers"`
}

// BatchResponse is the reply to a batch submit.
type BatchResponse struct {
	Success   bool `json:"success"`
	Count     int  `json:"count"`
	Broadcast int  `json:"broadcast"`
}

// CacheInfo describes which cache provider is serving peer data.
type CacheInfo struct {
	Provider string `json:"provider"`
	Entries  int    `json:"entries"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	Cache       CacheInfo `json:"cache"`
	Uptime      int64     `json:"uptime"` // seconds since the broker started
	Timestamp   int64     `json:"timestamp"`
}
