package wire

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"time"
)

var languageRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,31}$`)

// MessageType is the wire-level message discriminator.
type MessageType string

const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeBroadcast   MessageType = "broadcast"
	TypeTranslation MessageType = "translation"
	TypeStatus      MessageType = "status"
	TypeError       MessageType = "error"
)

// Validate enforces supported message types.
func (t MessageType) Validate() error {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeHeartbeat, TypeBroadcast, TypeTranslation, TypeStatus, TypeError:
		return nil
	default:
		return fmt.Errorf("unsupported message type: %q", t)
	}
}

// Status is the externally observable health taxonomy. The zero value is the
// "no status" state of a listener that is not attached.
type Status string

const (
	StatusNone       Status = ""
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Validate enforces supported status values.
func (s Status) Validate() error {
	switch s {
	case StatusNone, StatusConnecting, StatusConnected, StatusError:
		return nil
	default:
		return fmt.Errorf("unsupported status: %q", s)
	}
}

// Key identifies one logical subscription.
type Key struct {
	ServiceID string
	Language  string
	SessionID string
}

func (k Key) String() string {
	return k.ServiceID + ":" + k.Language + ":" + k.SessionID
}

// Validate enforces subscription key invariants.
func (k Key) Validate() error {
	if k.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if !languageRE.MatchString(k.Language) {
		return fmt.Errorf("invalid language: %q", k.Language)
	}
	if k.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// Message is the JSON unit exchanged over the transport.
type Message struct {
	Type         MessageType       `json:"type"`
	ServiceID    string            `json:"serviceId"`
	Language     string            `json:"language,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Original     string            `json:"original,omitempty"`
	Translation  string            `json:"translation,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	AudioData    string            `json:"audioData,omitempty"`
	Final        bool              `json:"final,omitempty"`
	Status       Status            `json:"status,omitempty"`
	Message      string            `json:"message,omitempty"`
	Error        string            `json:"error,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// Key returns the subscription key the message is addressed to.
func (m Message) Key() Key {
	return Key{ServiceID: m.ServiceID, Language: m.Language, SessionID: m.SessionID}
}

// Validate enforces per-type field requirements.
func (m Message) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if m.ServiceID == "" {
		return fmt.Errorf("serviceId is required")
	}
	if _, err := m.Time(); err != nil {
		return err
	}
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if err := m.Key().Validate(); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
	case TypeTranslation:
		if m.Translation == "" {
			return fmt.Errorf("translation message requires translation text")
		}
		if m.AudioData != "" {
			if _, err := base64.StdEncoding.DecodeString(m.AudioData); err != nil {
				return fmt.Errorf("audioData is not valid base64: %w", err)
			}
		}
	case TypeBroadcast:
		if m.Original == "" && len(m.Translations) == 0 {
			return fmt.Errorf("broadcast message requires original or translations")
		}
	case TypeStatus:
		if err := m.Status.Validate(); err != nil {
			return err
		}
	}
	if m.AudioData != "" && m.Type != TypeTranslation {
		return fmt.Errorf("audioData is only allowed on translation messages")
	}
	return nil
}

// Time parses the ISO-8601 timestamp.
func (m Message) Time() (time.Time, error) {
	if m.Timestamp == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", m.Timestamp, err)
	}
	return ts, nil
}

// Audio decodes the base64 audio payload. A message without audio returns nil.
func (m Message) Audio() ([]byte, error) {
	if m.AudioData == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode audioData: %w", err)
	}
	return out, nil
}

// FormatTime renders t the way every outbound message carries it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeAudio renders audio bytes for the audioData field.
func EncodeAudio(audio []byte) string {
	if len(audio) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(audio)
}
