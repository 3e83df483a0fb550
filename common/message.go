package common

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method is a Meross protocol method.
type Method string

const (
	MethodGet       Method = "GET"
	MethodSet       Method = "SET"
	MethodPush      Method = "PUSH"
	MethodGetAck    Method = "GETACK"
	MethodSetAck    Method = "SETACK"
	MethodDeleteAck Method = "DELETEACK"
	MethodError     Method = "ERROR"
)

// IsAck reports whether the method is a reply to one of our calls.
func (m Method) IsAck() bool {
	switch m {
	case MethodGetAck, MethodSetAck, MethodDeleteAck:
		return true
	default:
		return false
	}
}

// Well-known ability namespaces used by the core itself. Feature
// translators define their own on top of these.
const (
	NamespaceSystemAll     = "Appliance.System.All"
	NamespaceSystemAbility = "Appliance.System.Ability"
	NamespaceSystemOnline  = "Appliance.System.Online"
	NamespaceControlBind   = "Appliance.Control.Bind"
	NamespaceControlToggle = "Appliance.Control.ToggleX"
	NamespaceControlLight  = "Appliance.Control.Light"
	NamespaceElectricity   = "Appliance.Control.Electricity"
	NamespaceConsumption   = "Appliance.Control.ConsumptionX"
	NamespaceHubDigest     = "Appliance.Digest.Hub"
	NamespaceHubOnline     = "Appliance.Hub.Online"
	NamespaceHubToggleX    = "Appliance.Hub.ToggleX"
	NamespaceEncryptECDHE  = "Appliance.Encrypt.ECDHE"
	NamespaceEncryptSuite  = "Appliance.Encrypt.Suite"
)

// Light capacity bits of Appliance.Control.Light.
const (
	LightCapacityRGB         = 1
	LightCapacityTemperature = 2
	LightCapacityLuminance   = 4
)

// Header is the signed envelope header common to MQTT and LAN HTTP.
type Header struct {
	From           string `json:"from"`
	MessageID      string `json:"messageId"`
	Method         Method `json:"method"`
	Namespace      string `json:"namespace"`
	PayloadVersion int    `json:"payloadVersion"`
	Sign           string `json:"sign"`
	Timestamp      int64  `json:"timestamp"`
	TriggerSrc     string `json:"triggerSrc,omitempty"`
	UUID           string `json:"uuid,omitempty"`
}

// Message is the {header, payload} envelope. The payload is arbitrary
// JSON at this layer; feature translators impose typed schemas.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessageID returns a 32-char lowercase hex message id derived
// from a 16-char random token.
func NewMessageID() string {
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	sum := md5.Sum([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Sign computes the envelope signature MD5(messageId + key + timestamp).
func Sign(messageID, key string, timestamp int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%s%d", messageID, key, timestamp)))
	return hex.EncodeToString(sum[:])
}

// NewMessage builds a signed outbound envelope. The from field must be
// the session's client-response topic so the broker routes acks back.
func NewMessage(method Method, namespace string, payload interface{}, from, deviceUUID, key string) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		b = json.RawMessage(`{}`)
	}
	id := NewMessageID()
	ts := time.Now().Unix()
	return &Message{
		Header: Header{
			From:           from,
			MessageID:      id,
			Method:         method,
			Namespace:      namespace,
			PayloadVersion: 1,
			Sign:           Sign(id, key, ts),
			Timestamp:      ts,
			TriggerSrc:     "Android",
			UUID:           deviceUUID,
		},
		Payload: b,
	}, nil
}

// VerifySignature recomputes the header signature with the given key
// and compares it case-insensitively.
func (m *Message) VerifySignature(key string) bool {
	return strings.EqualFold(m.Header.Sign, Sign(m.Header.MessageID, key, m.Header.Timestamp))
}

// ParseError reports an envelope that could not be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse envelope: %s: %s", e.Reason, e.Err)
	}
	return "parse envelope: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseMessage decodes an inbound envelope, stripping any trailing NUL
// padding left by device-side encryption.
func ParseMessage(b []byte) (*Message, error) {
	b = TrimNulls(b)
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	if m.Header.MessageID == "" || m.Header.Method == "" || m.Header.Namespace == "" {
		return nil, &ParseError{Reason: "incomplete header"}
	}
	return &m, nil
}

// TrimNulls strips trailing NUL bytes from decrypted payloads.
func TrimNulls(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// DeviceUUID extracts the originating device uuid from a header's from
// topic, e.g. /appliance/<uuid>/publish. Empty when the topic does not
// carry one.
func (h Header) DeviceUUID() string {
	ss := strings.Split(h.From, "/")
	if len(ss) < 3 || ss[1] != "appliance" {
		return ""
	}
	return ss[2]
}
