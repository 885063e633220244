package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/conversation"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/internal/records"
)

const (
	// DefaultBaseURL is the Graph API host.
	DefaultBaseURL = "https://graph.facebook.com"

	// DefaultAPIVersion is the Graph API version used when none is set.
	DefaultAPIVersion = "v21.0"

	// DefaultTimeout bounds every Graph API call.
	DefaultTimeout = 30 * time.Second
)

// ErrRequest is returned when the Graph API answers with an error status or
// an unusable body.
var ErrRequest = errors.New("whatsapp: graph api request failed")

var (
	_ conversation.Notifier     = (*Client)(nil)
	_ conversation.MediaFetcher = (*Client)(nil)
	_ records.ProfileLookup     = (*Client)(nil)
)

// Rewrite replaces a leading Prefix of a recipient number with Replace. An
// empty Prefix matches every number.
type Rewrite struct {
	Prefix  string
	Replace string
}

// FormatRecipient strips a leading "+" from to and applies the first
// matching rewrite.
func FormatRecipient(to string, rewrites []Rewrite) string {
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	for _, rw := range rewrites {
		if strings.HasPrefix(to, rw.Prefix) {
			return rw.Replace + to[len(rw.Prefix):]
		}
	}
	return to
}

// Client is a Graph API client for one business phone number.
type Client struct {
	baseURL       string
	version       string
	token         string
	phoneNumberID string
	rewrites      []Rewrite
	httpClient    *http.Client
	metrics       *observe.Metrics
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithBaseURL overrides [DefaultBaseURL]. Intended for tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIVersion overrides [DefaultAPIVersion].
func WithAPIVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// WithRecipientRewrites sets the rewrites applied by [FormatRecipient]
// before sending.
func WithRecipientRewrites(rw []Rewrite) ClientOption {
	return func(c *Client) { c.rewrites = rw }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientMetrics records one provider request per Graph API call.
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient returns a Client that authenticates with token and sends from
// phoneNumberID.
func NewClient(token, phoneNumberID string, opts ...ClientOption) (*Client, error) {
	var errs []error
	if token == "" {
		errs = append(errs, errors.New("access token is required"))
	}
	if phoneNumberID == "" {
		errs = append(errs, errors.New("phone number id is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("whatsapp: %w", err)
	}
	c := &Client{
		baseURL:       DefaultBaseURL,
		version:       DefaultAPIVersion,
		token:         token,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// SendText implements [conversation.Notifier].
func (c *Client) SendText(ctx context.Context, to, body string) error {
	msg := textMessage{MessagingProduct: "whatsapp", To: FormatRecipient(to, c.rewrites), Type: "text"}
	msg.Text.Body = body
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("whatsapp: encode message: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.phoneNumberID, "messages"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "send")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Debug("message sent", "to", msg.To)
	return nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// ResolveMediaURL returns the short-lived download URL and MIME type of an
// attachment.
func (c *Client) ResolveMediaURL(ctx context.Context, mediaID string) (string, string, error) {
	if mediaID == "" {
		return "", "", fmt.Errorf("%w: empty media id", ErrRequest)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(url.PathEscape(mediaID)), nil)
	if err != nil {
		return "", "", err
	}
	var info mediaInfo
	if err := c.getJSON(req, "media_url", &info); err != nil {
		return "", "", err
	}
	if info.URL == "" {
		return "", "", fmt.Errorf("%w: media %s has no url", ErrRequest, mediaID)
	}
	return info.URL, info.MimeType, nil
}

// Download fetches a media URL with the access token. The caller closes the
// returned body.
func (c *Client) Download(ctx context.Context, mediaURL string) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req, "download")
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// FetchMedia implements [conversation.MediaFetcher] by resolving and
// downloading mediaID.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) (io.ReadCloser, string, error) {
	u, mimeType, err := c.ResolveMediaURL(ctx, mediaID)
	if err != nil {
		return nil, "", err
	}
	body, contentType, err := c.Download(ctx, u)
	if err != nil {
		return nil, "", err
	}
	// The resolve answer names the real type; CDN responses are often
	// application/octet-stream.
	if mimeType != "" {
		contentType = mimeType
	}
	return body, contentType, nil
}

type contactInfo struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// ProfileName implements [records.ProfileLookup].
func (c *Client) ProfileName(ctx context.Context, id string) (string, error) {
	phone := "+" + strings.TrimPrefix(id, "+")
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(c.phoneNumberID, "contacts", url.PathEscape(phone)), nil)
	if err != nil {
		return "", err
	}
	var info contactInfo
	if err := c.getJSON(req, "profile", &info); err != nil {
		return "", err
	}
	return info.Profile.Name, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL + "/" + c.version + "/" + strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// do sends req and returns the response for a 2xx status. Other statuses
// are turned into an [ErrRequest] carrying a snippet of the body.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(req, op, "error")
		return nil, fmt.Errorf("%w: %s: %w", ErrRequest, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.record(req, op, "error")
		return nil, fmt.Errorf("%w: %s: HTTP %d: %s", ErrRequest, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.record(req, op, "ok")
	return resp, nil
}

func (c *Client) getJSON(req *http.Request, op string, v any) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: decode response: %w", ErrRequest, op, err)
	}
	return nil
}

func (c *Client) record(req *http.Request, op, status string) {
	if c.metrics != nil {
		c.metrics.RecordProviderRequest(req.Context(), "whatsapp", op, status)
	}
}
