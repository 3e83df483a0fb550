package credentials

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/merosskit/meross/common"
)

// Session holds the credentials of an authenticated Meross cloud
// session. The (UserID, AppID) pair is stable for the process lifetime
// so ack topics stay consistent across broker reconnects.
type Session struct {
	Token      string
	Key        string
	UserID     string
	UserEmail  string
	Domain     string
	MQTTDomain string
	IssuedOn   time.Time

	appID string
}

// New builds a session from login results and derives a fresh app id.
func New(token, key, userID, userEmail, domain, mqttDomain string, issuedOn time.Time) (*Session, error) {
	if token == "" || key == "" || userID == "" {
		return nil, errors.New("token, key and user id are all required")
	}
	return &Session{
		Token:      token,
		Key:        key,
		UserID:     userID,
		UserEmail:  userEmail,
		Domain:     domain,
		MQTTDomain: mqttDomain,
		IssuedOn:   issuedOn,
		appID:      newAppID(),
	}, nil
}

// newAppID derives the app id as MD5("API" + random uuid).
func newAppID() string {
	sum := md5.Sum([]byte("API" + uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// AppID returns the per-process application id.
func (s *Session) AppID() string { return s.appID }

// ClientID is the MQTT client identifier.
func (s *Session) ClientID() string { return "app:" + s.appID }

// BrokerPassword is the MQTT broker password MD5(userId + key).
func (s *Session) BrokerPassword() string {
	sum := md5.Sum([]byte(s.UserID + s.Key))
	return hex.EncodeToString(sum[:])
}

// ResponseTopic is the topic acks to our calls arrive on.
func (s *Session) ResponseTopic() string {
	return common.ClientResponseTopic(s.UserID, s.appID)
}

// UserTopic is the topic push notifications arrive on.
func (s *Session) UserTopic() string {
	return common.ClientUserTopic(s.UserID)
}

// TokenData is the serialisable subset of a session sufficient to
// reconstruct an authenticated HTTP client later.
type TokenData struct {
	Token      string    `json:"token"`
	Key        string    `json:"key"`
	UserID     string    `json:"userId"`
	UserEmail  string    `json:"userEmail,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	MQTTDomain string    `json:"mqttDomain,omitempty"`
	IssuedOn   time.Time `json:"issuedOn,omitempty"`
}

// TokenData extracts the reusable credentials.
func (s *Session) TokenData() *TokenData {
	return &TokenData{
		Token:      s.Token,
		Key:        s.Key,
		UserID:     s.UserID,
		UserEmail:  s.UserEmail,
		Domain:     s.Domain,
		MQTTDomain: s.MQTTDomain,
		IssuedOn:   s.IssuedOn,
	}
}

// FromTokenData rebuilds a session from previously serialised
// credentials. A new app id is derived, matching a fresh process.
func FromTokenData(d *TokenData) (*Session, error) {
	return New(d.Token, d.Key, d.UserID, d.UserEmail, d.Domain, d.MQTTDomain, d.IssuedOn)
}
