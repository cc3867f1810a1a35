package devserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/subscription"
)

// SSETransport implements the live-update transport over the change-feed
// endpoint: one long-lived event-stream request per observed thread key.
type SSETransport struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewSSETransport creates a transport against the content API at baseURL.
func NewSSETransport(baseURL, token string, log zerolog.Logger) *SSETransport {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &SSETransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
		log:     log,
	}
}

// Subscribe opens the event stream for key. The returned subscription
// reports Open once the stream responds and Closed when it ends.
func (t *SSETransport) Subscribe(ctx context.Context, key comments.ThreadKey) (subscription.Subscription, error) {
	requestURL := fmt.Sprintf("%s/v1/threads/%s/events", t.baseURL, url.PathEscape(key.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream request failed with status %d", resp.StatusCode)
	}

	sub := &sseSubscription{
		body:     resp.Body,
		statuses: make(chan subscription.Status, 4),
		changes:  make(chan struct{}, 4),
	}
	go sub.read(t.log, key)

	return sub, nil
}

type sseSubscription struct {
	body     io.ReadCloser
	statuses chan subscription.Status
	changes  chan struct{}
	once     sync.Once
}

func (s *sseSubscription) Statuses() <-chan subscription.Status { return s.statuses }
func (s *sseSubscription) Changes() <-chan struct{}             { return s.changes }

func (s *sseSubscription) Close() {
	s.once.Do(func() {
		s.body.Close()
	})
}

// read parses the SSE line protocol: "event:" names the pending event, a
// blank line dispatches it, ":" lines are keepalive comments. The channels
// close when the stream ends, which the manager treats as a lost channel.
func (s *sseSubscription) read(log zerolog.Logger, key comments.ThreadKey) {
	defer close(s.statuses)
	defer close(s.changes)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case line == "":
			switch event {
			case "open":
				s.emitStatus(subscription.StatusOpen)
			case "change":
				s.emitChange()
			}
			event = ""
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Str("thread", key.String()).Err(err).Msg("Event stream ended")
	}
}

func (s *sseSubscription) emitStatus(status subscription.Status) {
	select {
	case s.statuses <- status:
	default:
	}
}

func (s *sseSubscription) emitChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
