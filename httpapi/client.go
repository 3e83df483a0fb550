package httpapi

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
)

// Client is the surface the manager consumes. The concrete REST client
// below implements it; tests substitute fakes.
type Client interface {
	// Credentials returns the authenticated session or nil.
	Credentials() *credentials.Session

	GetDevices(ctx context.Context) ([]DeviceRecord, error)
	GetSubDevices(ctx context.Context, hubUUID string) ([]SubdeviceRecord, error)
	Logout(ctx context.Context) error
}

const (
	defaultBaseURL = "https://iotx.meross.com"

	// request signing secret baked into the mobile apps
	signSecret = "23x17ahWarFH6w29"

	pathSignIn        = "/v1/Auth/signIn"
	pathDevList       = "/v1/Device/devList"
	pathHubSubDevices = "/v1/Hub/getSubDevices"
	pathLogout        = "/v1/Profile/logout"
)

// Option is an HTTPClient configuration option.
type Option func(c *HTTPClient)

// WithBaseURL overrides the API endpoint, mostly for regional domains
// and tests.
func WithBaseURL(u string) Option {
	return func(c *HTTPClient) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// New creates an unauthenticated REST client; call Login next.
func New(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  common.NewLoggerFromEnv("httpapi", "MEROSS_HTTP_LOG_LEVEL"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromCredentials rebuilds an authenticated client from serialised
// token data, honouring the session's API domain.
func NewFromCredentials(d *credentials.TokenData, opts ...Option) (*HTTPClient, error) {
	sess, err := credentials.FromTokenData(d)
	if err != nil {
		return nil, err
	}
	c := New(opts...)
	if sess.Domain != "" {
		c.baseURL = "https://" + sess.Domain
	}
	c.creds = sess
	return c, nil
}

// HTTPClient talks to the Meross REST API with signed requests.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger
	creds   *credentials.Session
}

var _ Client = (*HTTPClient)(nil)

// Credentials returns the current session, nil when not logged in.
func (c *HTTPClient) Credentials() *credentials.Session { return c.creds }

// SetDomain repoints the client at a regional API domain, as reported
// by a bad-domain error.
func (c *HTTPClient) SetDomain(domain string) {
	c.baseURL = "https://" + domain
}

// Login authenticates with email and password. The password is MD5
// hashed before it goes on the wire. mfaCode may be empty.
func (c *HTTPClient) Login(ctx context.Context, email, password, mfaCode string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	sum := md5.Sum([]byte(password))
	params := map[string]interface{}{
		"email":     email,
		"password":  hex.EncodeToString(sum[:]),
		"encryption": 1,
		"accountCountryCode": "--",
		"mobileInfo": map[string]interface{}{
			"resolution": "--", "carrier": "--", "deviceModel": "--",
			"mobileOs": "android", "mobileOSVersion": "--", "uuid": "--",
		},
	}
	if mfaCode != "" {
		params["mfaCode"] = mfaCode
	}

	var data struct {
		Token      string `json:"token"`
		Key        string `json:"key"`
		UserID     string `json:"userid"`
		Email      string `json:"email"`
		Domain     string `json:"domain"`
		MQTTDomain string `json:"mqttDomain"`
	}
	if err := c.post(ctx, pathSignIn, params, &data); err != nil {
		return err
	}

	sess, err := credentials.New(data.Token, data.Key, data.UserID, data.Email, data.Domain, data.MQTTDomain, time.Now())
	if err != nil {
		return errors.Wrap(err, "login response incomplete")
	}
	if data.Domain != "" {
		c.baseURL = "https://" + data.Domain
	}
	c.creds = sess
	c.logger.WithField("user", data.UserID).Info("logged in")
	return nil
}

// GetDevices lists the account's devices.
func (c *HTTPClient) GetDevices(ctx context.Context) ([]DeviceRecord, error) {
	if c.creds == nil {
		return nil, common.ErrNotLoggedIn
	}
	var devices []DeviceRecord
	if err := c.post(ctx, pathDevList, map[string]interface{}{}, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetSubDevices lists the children of a hub.
func (c *HTTPClient) GetSubDevices(ctx context.Context, hubUUID string) ([]SubdeviceRecord, error) {
	if c.creds == nil {
		return nil, common.ErrNotLoggedIn
	}
	var subs []SubdeviceRecord
	if err := c.post(ctx, pathHubSubDevices, map[string]interface{}{"uuid": hubUUID}, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// Logout invalidates the token server-side and drops the session.
func (c *HTTPClient) Logout(ctx context.Context) error {
	if c.creds == nil {
		return common.ErrNotLoggedIn
	}
	err := c.post(ctx, pathLogout, map[string]interface{}{}, nil)
	c.creds = nil
	return err
}

// post sends a signed API request and decodes the data field of the
// response into out when the API status is OK.
func (c *HTTPClient) post(ctx context.Context, path string, params interface{}, out interface{}) error {
	pb, err := json.Marshal(params)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(pb)
	nonce := newNonce()
	ts := time.Now().UnixMilli()
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%s%s", signSecret, ts, nonce, encoded)))

	body, err := json.Marshal(map[string]interface{}{
		"params":    encoded,
		"sign":      hex.EncodeToString(sum[:]),
		"timestamp": ts,
		"nonce":     nonce,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Vendor", "meross")
	req.Header.Set("AppVersion", "3.22.4")
	req.Header.Set("AppType", "Android")
	if c.creds != nil {
		req.Header.Set("Authorization", "Basic "+c.creds.Token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer res.Body.Close()

	rb, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	if res.StatusCode != http.StatusOK {
		return &APIError{Code: -res.StatusCode, Message: http.StatusText(res.StatusCode)}
	}

	var envelope struct {
		APIStatus int             `json:"apiStatus"`
		Info      string          `json:"info"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rb, &envelope); err != nil {
		return errors.Wrapf(err, "POST %s: decode response", path)
	}
	if err := errorFromCode(envelope.APIStatus, envelope.Info, envelope.Data); err != nil {
		return err
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.Wrapf(err, "POST %s: decode data", path)
		}
	}
	c.logger.WithFields(logrus.Fields{"path": path, "status": envelope.APIStatus}).Debug("api call")
	return nil
}

func newNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
