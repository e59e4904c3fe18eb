package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RestError is returned for any non-2xx response from the ARI REST surface.
type RestError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *RestError) Error() string {
	return fmt.Sprintf("ARI %s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the Asterisk REST Interface: plain basic-auth HTTP for
// channel/bridge operations and a websocket for the application event feed.
type Client struct {
	baseURL    string
	username   string
	password   string
	appName    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, username, password, appName string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		appName:    appName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Connect probes /ari/asterisk/info to validate the URL and credentials
// before the event loop starts.
func (c *Client) Connect(ctx context.Context) error {
	var info struct {
		Status struct {
			StartupTime string `json:"startup_time"`
		} `json:"status"`
	}
	if err := c.get(ctx, "/ari/asterisk/info", nil, &info); err != nil {
		return fmt.Errorf("ARI connection check failed: %w", err)
	}
	c.logger.Info("Connected to ARI",
		zap.String("url", c.baseURL),
		zap.String("asterisk_up_since", info.Status.StartupTime),
	)
	return nil
}

// Events opens the ARI application websocket and returns a channel of decoded
// events. The channel stays open until the control connection fails or ctx is
// cancelled; the final event before close is always EventTransportFailure so
// the consumer can tear down every live call.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ARI websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ARI websocket dial failed: %w", err)
	}

	events := make(chan Event)
	go c.readLoop(ctx, conn, events)
	return events, nil
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid ARI URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ari/events"
	q := u.Query()
	q.Set("app", c.appName)
	q.Set("api_key", c.username+":"+c.password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event) {
	defer close(events)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			events <- Event{Kind: EventTransportFailure, Err: err}
			return
		}

		ev, ok, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable ARI message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			events <- Event{Kind: EventTransportFailure, Err: ctx.Err()}
			return
		}
	}
}

// CreateMediaLeg asks Asterisk for an external media channel that will dial
// out to addr with raw frames in the given format. Returns the new channel ID.
func (c *Client) CreateMediaLeg(ctx context.Context, app, addr, format string) (string, error) {
	params := url.Values{}
	params.Set("app", app)
	params.Set("external_host", addr)
	params.Set("format", format)
	params.Set("transport", "tcp")
	params.Set("encapsulation", "none")

	var channel struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/ari/channels/externalMedia", params, &channel); err != nil {
		return "", err
	}
	return channel.ID, nil
}

// CreateBridge creates a bridge of the given kind ("mixing" for two-leg
// calls). The bridge ID is minted locally so a duplicate create request after
// a retry upstream cannot leave a second orphaned bridge behind.
func (c *Client) CreateBridge(ctx context.Context, kind string) (string, error) {
	params := url.Values{}
	params.Set("type", kind)
	params.Set("bridgeId", uuid.NewString())

	var bridge struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/ari/bridges", params, &bridge); err != nil {
		return "", err
	}
	return bridge.ID, nil
}

// AddToBridge joins a channel into an existing bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	return c.post(ctx, fmt.Sprintf("/ari/bridges/%s/addChannel", url.PathEscape(bridgeID)), params, nil)
}

// Hangup terminates a channel. A 404 is not an error: the channel is already
// gone, which is exactly what the caller wanted.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/ari/channels/%s", url.PathEscape(channelID)), nil, nil)
	var restErr *RestError
	if err != nil {
		if ok := asRestError(err, &restErr); ok && restErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func asRestError(err error, target **RestError) bool {
	re, ok := err.(*RestError)
	if ok {
		*target = re
	}
	return ok
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, out)
}

func (c *Client) post(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, params, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ARI request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RestError{StatusCode: resp.StatusCode, Op: method + " " + path, Body: string(body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode ARI response: %w", err)
		}
	}
	return nil
}
