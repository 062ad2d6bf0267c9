package episodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/pkg/circuitbreaker"
	"podlive/pkg/tracing"
)

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// InitialBackoff is the first retry delay; defaults to 200ms.
	InitialBackoff time.Duration
	// Breaker guards the whole API. Zero values take the breaker defaults.
	Breaker circuitbreaker.Config
}

// Client talks to the episode, user and replay routes of the platform API.
type Client struct {
	base    string
	http    *http.Client
	config  ClientConfig
	breaker *circuitbreaker.Breaker
	logger  *zap.SugaredLogger
}

// HTTPError is a non-2xx answer from the platform API.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func NewClient(config ClientConfig, logger *zap.SugaredLogger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 200 * time.Millisecond
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	breaker := circuitbreaker.New(config.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("platform API breaker changed state", "from", from, "to", to)
	})
	return &Client{
		base:    strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Timeout: config.Timeout},
		config:  config,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *Client) GetEpisode(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	var ep domain.Episode
	if err := c.getJSON(ctx, "/api/v1/episodes/"+url.PathEscape(string(id)), &ep); err != nil {
		return nil, notFoundAs(err, domain.ErrEpisodeNotFound)
	}
	return &ep, nil
}

func (c *Client) GetUser(ctx context.Context, id domain.ParticipantID) (*domain.User, error) {
	var u domain.User
	if err := c.getJSON(ctx, "/api/v1/users/"+url.PathEscape(string(id)), &u); err != nil {
		return nil, notFoundAs(err, domain.ErrUserNotFound)
	}
	return &u, nil
}

// EndLive marks the episode inactive. The platform route needs the
// creator id, so the episode is fetched first.
func (c *Client) EndLive(ctx context.Context, id domain.EpisodeID) (*domain.Episode, error) {
	ep, err := c.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/api/v1/episodes/live/end_live/%s?creator_id=%s",
		url.PathEscape(string(id)), url.QueryEscape(string(ep.CreatorID)))

	var ended domain.Episode
	if err := c.doJSON(ctx, http.MethodPut, path, &ended); err != nil {
		return nil, notFoundAs(err, domain.ErrEpisodeNotFound)
	}
	return &ended, nil
}

func (c *Client) FetchSessionLog(ctx context.Context, id domain.EpisodeID) (*domain.SessionLog, error) {
	var log domain.SessionLog
	if err := c.getJSON(ctx, replayPath(id, "session_log"), &log); err != nil {
		return nil, notFoundAs(err, domain.ErrLogNotFound)
	}
	return &log, nil
}

func (c *Client) FetchSpeechLog(ctx context.Context, id domain.EpisodeID) (*domain.SpeechLog, error) {
	var log domain.SpeechLog
	if err := c.getJSON(ctx, replayPath(id, "speech_log"), &log); err != nil {
		return nil, notFoundAs(err, domain.ErrLogNotFound)
	}
	return &log, nil
}

func (c *Client) FetchCommentsLog(ctx context.Context, id domain.EpisodeID) (*domain.CommentsLog, error) {
	var log domain.CommentsLog
	if err := c.getJSON(ctx, replayPath(id, "comments_log"), &log); err != nil {
		return nil, notFoundAs(err, domain.ErrLogNotFound)
	}
	return &log, nil
}

// FetchMedia streams the episode recording. The caller closes the body.
func (c *Client) FetchMedia(ctx context.Context, id domain.EpisodeID) (io.ReadCloser, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/replay/"+url.PathEscape(string(id)))
	if err != nil {
		return nil, "", notFoundAs(err, domain.ErrRecordingNotFound)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func replayPath(id domain.EpisodeID, kind string) string {
	return "/api/v1/replay/" + url.PathEscape(string(id)) + "/" + kind
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out interface{}) error {
	resp, err := c.do(ctx, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do retries transport errors and 5xx answers. Any other non-2xx status
// is returned as a permanent *HTTPError. A call whose retries are all
// exhausted counts against the breaker; while it is open calls fail fast
// with circuitbreaker.ErrOpen.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	ctx, span := tracing.TracePlatformCall(ctx, method, path)
	defer span.End()

	if err := c.breaker.Allow(); err != nil {
		err = fmt.Errorf("%s %s: %w", method, path, err)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	resp, err := c.retry(ctx, method, path)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	switch {
	case err == nil, isClientError(err):
		c.breaker.Success()
	case ctx.Err() != nil:
		c.breaker.Abandon()
	default:
		c.breaker.Failure()
	}
	return resp, err
}

func (c *Client) retry(ctx context.Context, method, path string) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		r, err := c.http.Do(req)
		if err != nil {
			c.logger.Warnw("platform request failed", "method", method, "path", path, "attempt", attempt, "error", err)
			return err
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		r.Body.Close()
		herr := &HTTPError{Method: method, URL: path, Status: r.StatusCode, Body: strings.TrimSpace(string(body))}
		if r.StatusCode >= 500 {
			c.logger.Warnw("platform request failed", "method", method, "path", path, "attempt", attempt, "status", r.StatusCode)
			return herr
		}
		return backoff.Permanent(herr)
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.config.InitialBackoff
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.config.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func isClientError(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.Status < 500
}

func notFoundAs(err error, sentinel error) error {
	var herr *HTTPError
	if errors.As(err, &herr) && herr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", sentinel, herr.URL)
	}
	return err
}
