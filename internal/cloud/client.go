package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/profilesync/internal/payload"
)

var ErrUnauthorized = errors.New("unauthorized")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Client is the cloud document API for one user path.
type Client interface {
	// LoadOnce returns nil when nothing has been stored for the identity yet.
	LoadOnce(ctx context.Context, identity Identity) (*payload.CloudPayload, error)
	Save(ctx context.Context, identity Identity, p payload.CloudPayload) error
	// Subscribe delivers every stored record, including this client's own
	// writes, until the returned func is called.
	Subscribe(ctx context.Context, identity Identity, onChange func(payload.Record)) (func(), error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type documentResponse struct {
	UserID    string          `json:"userId"`
	Revision  int64           `json:"revision"`
	UpdatedAt string          `json:"updatedAt"`
	Record    json.RawMessage `json:"record,omitempty"`
}

type streamMessage struct {
	Type      string          `json:"type"`
	Revision  int64           `json:"revision"`
	UpdatedAt string          `json:"updatedAt"`
	Record    json.RawMessage `json:"record,omitempty"`
}

const maxStreamMessageBytes = 8 << 20

type HTTPClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Echo       *EchoSuppressor
	Logger     Logger
}

// HTTPClient talks to the profilesync document server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	echo       *EchoSuppressor
	logger     Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	newWriteID func() string
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	echo := opts.Echo
	if echo == nil {
		echo = NewEchoSuppressor(NewClientID())
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		echo:       echo,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		now:        time.Now,
		newWriteID: uuid.NewString,
	}
}

func (c *HTTPClient) Echo() *EchoSuppressor {
	return c.echo
}

func DocumentPath(uid string) string {
	return "/v1/users/" + url.PathEscape(uid) + "/profile-sync"
}

func (c *HTTPClient) LoadOnce(ctx context.Context, identity Identity) (*payload.CloudPayload, error) {
	var out documentResponse
	err := c.doJSON(ctx, identity, http.MethodGet, DocumentPath(identity.UID), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	rec := payload.DecodeRecord(out.Record)
	if !rec.Exists() {
		return nil, nil
	}
	return &rec.Payload, nil
}

func (c *HTTPClient) Save(ctx context.Context, identity Identity, p payload.CloudPayload) error {
	writeID := c.newWriteID()
	record := payload.NewRecord(p, writeID, c.echo.ClientID(), c.now())
	c.echo.RecordWrite(writeID)
	return c.doJSON(ctx, identity, http.MethodPut, DocumentPath(identity.UID), record, nil)
}

// Subscribe opens the change stream. The first dial happens before it
// returns; after that a dropped stream is redialed with backoff, and the
// server replays the current record on every connect.
func (c *HTTPClient) Subscribe(ctx context.Context, identity Identity, onChange func(payload.Record)) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	conn, err := c.dialStream(ctx, identity)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	go c.runStream(streamCtx, identity, conn, onChange)
	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *HTTPClient) dialStream(ctx context.Context, identity Identity) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+identity.Token)
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(dialCtx, c.baseURL+DocumentPath(identity.UID)+"/stream", &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	conn.SetReadLimit(maxStreamMessageBytes)
	return conn, nil
}

func (c *HTTPClient) runStream(ctx context.Context, identity Identity, conn *websocket.Conn, onChange func(payload.Record)) {
	attempt := 0
	for {
		err := c.readStream(ctx, conn, onChange)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("cloud: change stream closed: %v", err)
		for {
			attempt++
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
				return
			}
			conn, err = c.dialStream(ctx, identity)
			if err == nil {
				attempt = 0
				break
			}
			if errors.Is(err, ErrUnauthorized) {
				c.logger.Printf("cloud: change stream rejected, giving up: %v", err)
				return
			}
			c.logger.Printf("cloud: change stream redial failed: %v", err)
		}
	}
}

func (c *HTTPClient) readStream(ctx context.Context, conn *websocket.Conn, onChange func(payload.Record)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("cloud: dropping undecodable stream message: %v", err)
			continue
		}
		switch msg.Type {
		case "snapshot", "change":
			if ctx.Err() != nil {
				return ctx.Err()
			}
			onChange(payload.DecodeRecord(msg.Record))
		}
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, identity Identity, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+identity.Token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "profilesync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
