/*
Package remote implements ledger.Store against the shared-ledger HTTP API.

PURPOSE:
  Lets a device run its own reconciliation controller against a server
  shared with the other participant. Mutations are HTTP calls; change
  notifications come over the /api/changes websocket.

ERROR MAPPING:
  400 -> *ledger.ValidationError (wrapping ErrInvalidAmount or
         ErrUnknownParticipant as reported by the server)
  404 -> ledger.ErrEventNotFound
  other status or transport failure -> wraps ledger.ErrStoreUnavailable

RECONNECTION:
  A dropped websocket is redialed with exponential backoff. After every
  successful redial a ChangeReset is delivered, because notifications
  may have been missed while disconnected.

SEE ALSO:
  - api/handlers.go: Server side of every call
  - api/feed.go: Server side of the change feed
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/warp/shared-ledger/api"
	"github.com/warp/shared-ledger/ledger"
)

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Client talks to one shared-ledger server.
type Client struct {
	base       *url.URL
	classifier *ledger.Classifier
	http       *http.Client
	dialer     *websocket.Dialer
	clientID   string
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL ("http://host:8080").
func New(baseURL string, classifier *ledger.Classifier, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:       u,
		classifier: classifier,
		http:       &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
		clientID:   uuid.NewString(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID identifies this client in server logs.
func (c *Client) ID() string { return c.clientID }

// =============================================================================
// COLLECTION
// =============================================================================

func (c *Client) List(ctx context.Context) ([]ledger.Event, error) {
	var dtos []api.EventDTO
	if err := c.do(ctx, http.MethodGet, "/api/events", nil, &dtos); err != nil {
		return nil, err
	}

	events := make([]ledger.Event, 0, len(dtos))
	for _, d := range dtos {
		e, err := c.fromDTO(d)
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w: %v", d.ID, ledger.ErrStoreUnavailable, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (c *Client) fromDTO(d api.EventDTO) (ledger.Event, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return ledger.Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, d.Timestamp)
	if err != nil {
		return ledger.Event{}, err
	}
	e := ledger.Event{
		ID:          ledger.EventID(d.ID),
		Amount:      amount,
		Participant: ledger.Participant(d.Participant),
		Kind:        ledger.Kind(d.Kind),
		Timestamp:   ts,
	}
	// Older servers only send the tag.
	if e.Participant == "" && d.Person != "" {
		e = c.classifier.Decode(e, d.Person)
	}
	return e, nil
}

func (c *Client) Insert(ctx context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	req := api.CreateEventRequest{
		Amount:      json.Number(e.Amount.String()),
		Participant: string(e.Participant),
		Kind:        string(e.Kind),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	var resp api.CreateEventResponse
	if err := c.do(ctx, http.MethodPost, "/api/events", req, &resp); err != nil {
		return "", err
	}
	return ledger.EventID(resp.ID), nil
}

func (c *Client) UpdateAmount(ctx context.Context, id ledger.EventID, amount decimal.Decimal) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	req := api.UpdateAmountRequest{Amount: json.Number(amount.String())}
	return c.do(ctx, http.MethodPatch, "/api/events/"+url.PathEscape(string(id)), req, nil)
}

func (c *Client) Delete(ctx context.Context, id ledger.EventID) error {
	return c.do(ctx, http.MethodDelete, "/api/events/"+url.PathEscape(string(id)), nil, nil)
}

func (c *Client) DeleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/events", nil, nil)
}

// Balance fetches the balance computed by the server.
func (c *Client) Balance(ctx context.Context) (api.BalanceDTO, error) {
	var b api.BalanceDTO
	err := c.do(ctx, http.MethodGet, "/api/balance", nil, &b)
	return b, err
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Scenarios lists the server's demo data sets.
func (c *Client) Scenarios(ctx context.Context) ([]api.ScenarioDTO, error) {
	var out []api.ScenarioDTO
	err := c.do(ctx, http.MethodGet, "/api/scenarios", nil, &out)
	return out, err
}

// LoadScenario replaces every event on the server with a demo data set and
// returns how many events it recorded.
func (c *Client) LoadScenario(ctx context.Context, id string) (int, error) {
	var out api.LoadScenarioResponse
	err := c.do(ctx, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: id}, &out)
	return out.Events, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-ID", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ledger.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w: %v", method, path, ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Client) statusError(method, path string, resp *http.Response) error {
	var er api.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &ledger.ValidationError{Field: "request", Input: er.Details, Err: validationCause(er.Details)}
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ledger.ErrEventNotFound)
	default:
		return fmt.Errorf("%s %s: %w: status %d: %s", method, path, ledger.ErrStoreUnavailable, resp.StatusCode, er.Details)
	}
}

// validationCause recovers the sentinel from a server error message.
func validationCause(details string) error {
	for _, sentinel := range []error{ledger.ErrUnknownParticipant, ledger.ErrUnclassifiable, ledger.ErrMissingTimestamp} {
		if strings.Contains(details, sentinel.Error()) {
			return sentinel
		}
	}
	return ledger.ErrInvalidAmount
}

// =============================================================================
// CHANGE FEED
// =============================================================================

// Subscribe opens the change feed. The first dial must succeed; later
// disconnections are retried until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, fn func(ledger.Change)) (ledger.Subscription, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	s := &feedSub{done: make(chan struct{})}
	s.setConn(conn)
	s.wg.Add(1)
	go c.run(s, conn, fn)
	return s, nil
}

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/changes"
	return u.String()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Client-ID", c.clientID)
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial change feed: %w: %v", ledger.ErrStoreUnavailable, err)
	}
	return conn, nil
}

func (c *Client) run(s *feedSub, conn *websocket.Conn, fn func(ledger.Change)) {
	defer s.wg.Done()
	backoff := minBackoff
	for {
		c.read(conn, fn)
		conn.Close()

		for {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			next, err := c.dial(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("change feed reconnect failed", "error", err, "retry_in", backoff)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			if !s.setConn(next) {
				next.Close()
				return
			}
			conn = next
			backoff = minBackoff
			c.logger.Info("change feed reconnected")
			fn(ledger.Change{Op: ledger.ChangeReset})
			break
		}
	}
}

func (c *Client) read(conn *websocket.Conn, fn func(ledger.Change)) {
	for {
		var d api.ChangeDTO
		if err := conn.ReadJSON(&d); err != nil {
			c.logger.Debug("change feed closed", "error", err)
			return
		}
		fn(ledger.Change{Op: ledger.ChangeOp(d.Op), ID: ledger.EventID(d.ID)})
	}
}

type feedSub struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// setConn records the live connection. Returns false once unsubscribed.
func (s *feedSub) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *feedSub) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}
