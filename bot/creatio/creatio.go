// Package creatio is an OData client for the Creatio CRM. It performs the
// forms-auth handshake once at construction and then exposes object CRUD
// against the versioned endpoint path templates.
package creatio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/smartist/taigabot/core/logger"
)

// ODataVersion selects the protocol dialect and service path.
type ODataVersion string

const (
	V3     ODataVersion = "v3"
	V4     ODataVersion = "v4"
	V4Core ODataVersion = "v4core"
)

// ParseODataVersion maps the stored configuration string to a version tag.
func ParseODataVersion(raw string) (ODataVersion, error) {
	switch ODataVersion(raw) {
	case V3, V4, V4Core:
		return ODataVersion(raw), nil
	}
	return "", fmt.Errorf("creatio: unknown api version %q", raw)
}

func (v ODataVersion) servicePath() string {
	switch v {
	case V3:
		return "/0/ServiceModel/EntityDataService.svc"
	case V4:
		return "/0/odata"
	default:
		return "/odata"
	}
}

func (v ODataVersion) contentType() string {
	if v == V3 {
		return "application/json;odata=verbose"
	}
	return "application/json; charset=utf-8"
}

// objectPath builds the collection member path for one object name, with an
// optional id segment.
func (v ODataVersion) objectPath(name, id string) string {
	if v == V3 {
		if id == "" {
			return "/" + name + "Collection"
		}
		return fmt.Sprintf("/%sCollection(guid'%s')", name, id)
	}
	if id == "" {
		return "/" + name
	}
	return fmt.Sprintf("/%s(%s)", name, id)
}

// Object is a dynamic CRM entity.
type Object map[string]any

// ID returns the CRM-assigned identifier, empty when absent.
func (o Object) ID() string {
	id, _ := o["Id"].(string)
	return id
}

// APIError is the uniform failure envelope for connector calls. It carries
// the raw response so the full detail can be sent to the operator as a file.
type APIError struct {
	Err        error
	Response   string
	URL        string
	Headers    map[string]string
	Data       any
	Version    ODataVersion
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("creatio: %v (url=%s odata=%s status=%d)", e.Err, e.URL, e.Version, e.HTTPStatus)
}

func (e *APIError) Unwrap() error { return e.Err }

// Detail renders the whole envelope, response body included, for diagnostic
// attachments.
func (e *APIError) Detail() string {
	return fmt.Sprintf(
		"error: %v\nurl: %s\nodata_version: %s\nhttp_status: %d\nheaders: %v\ndata: %v\nresponse:\n%s\n",
		e.Err, e.URL, e.Version, e.HTTPStatus, e.Headers, e.Data, e.Response,
	)
}

type authResponse struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

// Client is an authenticated Creatio session.
type Client struct {
	host       string
	version    ODataVersion
	serviceURL string
	headers    map[string]string
	cookies    []*http.Cookie
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient authenticates against the CRM and returns a ready client. The
// handshake yields session cookies and the BPMCSRF anti-forgery token, both
// replayed on every subsequent call.
func NewClient(ctx context.Context, host, login, password string, version ODataVersion) (*Client, error) {
	c := &Client{
		host:       host,
		version:    version,
		serviceURL: host + version.servicePath(),
		headers: map[string]string{
			"Content-Type":    version.contentType(),
			"Accept":          version.contentType(),
			"ForceUseSession": "true",
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.CRM,
	}
	if err := c.formsAuth(ctx, login, password); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) formsAuth(ctx context.Context, login, password string) error {
	url := c.host + "/ServiceModel/AuthService.svc/Login"
	body, err := json.Marshal(map[string]string{
		"UserName":     login,
		"UserPassword": password,
	})
	if err != nil {
		return fmt.Errorf("creatio: encode auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creatio: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("creatio: auth request: %w", err)
	}
	defer resp.Body.Close()

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("creatio: decode auth response: %w", err)
	}
	if auth.Code != 0 {
		return fmt.Errorf("creatio: auth rejected: %s", auth.Message)
	}
	c.cookies = resp.Cookies()
	for _, cookie := range c.cookies {
		if cookie.Name == "BPMCSRF" {
			c.headers["BPMCSRF"] = cookie.Value
		}
	}
	c.log.Info("authenticated", "host", c.host, "odata", string(c.version))
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("creatio: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creatio: build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("creatio: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("creatio: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) envelope(err error, raw []byte, url string, data any, status int) *APIError {
	return &APIError{
		Err:        err,
		Response:   string(raw),
		URL:        url,
		Headers:    c.headers,
		Data:       data,
		Version:    c.version,
		HTTPStatus: status,
	}
}

// decodeObject unwraps one entity from a response body, handling the v3
// "d" envelope and CRM-reported error payloads.
func (c *Client) decodeObject(raw []byte, url string, data any, status int) (Object, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, c.envelope(fmt.Errorf("decode response: %w", err), raw, url, data, status)
	}
	if errPayload, ok := decoded["error"]; ok {
		return nil, c.envelope(fmt.Errorf("crm error: %v", errPayload), raw, url, data, status)
	}
	if c.version == V3 {
		inner, ok := decoded["d"].(map[string]any)
		if !ok {
			return nil, c.envelope(fmt.Errorf("response has no object payload"), raw, url, data, status)
		}
		return Object(inner), nil
	}
	return Object(decoded), nil
}

// CreateObject posts a new entity and returns the created object.
func (c *Client) CreateObject(ctx context.Context, name string, data map[string]any) (Object, error) {
	url := c.serviceURL + c.version.objectPath(name, "")
	raw, status, err := c.do(ctx, http.MethodPost, url, data)
	if err != nil {
		return nil, c.envelope(err, raw, url, data, status)
	}
	obj, err := c.decodeObject(raw, url, data, status)
	if err != nil {
		return nil, err
	}
	c.log.Debug("object created", "object", name, "id", obj.ID(), "status", status)
	return obj, nil
}

// GetObjectByID fetches one entity by id.
func (c *Client) GetObjectByID(ctx context.Context, name, id string) (Object, error) {
	url := c.serviceURL + c.version.objectPath(name, id)
	raw, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.envelope(err, raw, url, nil, status)
	}
	return c.decodeObject(raw, url, nil, status)
}

// GetCollection fetches a collection, with optional OData system query
// options given without the leading "$".
func (c *Client) GetCollection(ctx context.Context, name string, params ...string) ([]Object, error) {
	url := c.serviceURL + c.version.objectPath(name, "")
	if len(params) > 0 {
		opts := make([]string, len(params))
		for i, p := range params {
			key, value, _ := strings.Cut(p, "=")
			opts[i] = "$" + key + "=" + neturl.QueryEscape(value)
		}
		url += "?" + strings.Join(opts, "&")
	}
	raw, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.envelope(err, raw, url, nil, status)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, c.envelope(fmt.Errorf("decode response: %w", err), raw, url, nil, status)
	}
	if errPayload, ok := decoded["error"]; ok {
		return nil, c.envelope(fmt.Errorf("crm error: %v", errPayload), raw, url, nil, status)
	}
	var items []any
	if c.version == V3 {
		d, _ := decoded["d"].(map[string]any)
		items, _ = d["results"].([]any)
	} else {
		items, _ = decoded["value"].([]any)
	}
	objects := make([]Object, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			objects = append(objects, Object(m))
		}
	}
	return objects, nil
}

// DeleteObject removes one entity by id.
func (c *Client) DeleteObject(ctx context.Context, name, id string) error {
	url := c.serviceURL + c.version.objectPath(name, id)
	raw, status, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return c.envelope(err, raw, url, nil, status)
	}
	if status >= 300 {
		return c.envelope(fmt.Errorf("unexpected status"), raw, url, nil, status)
	}
	c.log.Debug("object deleted", "object", name, "id", id, "status", status)
	return nil
}
