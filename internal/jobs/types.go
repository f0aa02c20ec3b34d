// Package jobs contains the task kinds talktime workers execute and their
// handlers.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Task kinds.
const (
	// KindSessionFollowup generates a session summary and emails it.
	KindSessionFollowup = "session_followup"
)

// MinTranscriptLength is the shortest transcript worth summarising.
const MinTranscriptLength = 10

// FollowupPayload is the payload of a session_followup task.
type FollowupPayload struct {
	Email      string `json:"email"`
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id"`
	HostURL    string `json:"host_url"`
}

func parseFollowupPayload(data map[string]any) (*FollowupPayload, error) {
	// Convert map to JSON then unmarshal to struct
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload FollowupPayload
	if err := json.Unmarshal(jsonBytes, &payload); err != nil {
		return nil, err
	}

	if payload.Email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if payload.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if len(strings.TrimSpace(payload.Transcript)) < MinTranscriptLength {
		return nil, fmt.Errorf("transcript too short (minimum %d characters)", MinTranscriptLength)
	}
	return &payload, nil
}
