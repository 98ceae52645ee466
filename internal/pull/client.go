// Package pull is the REST boundary: it fetches snapshots for the engine and
// sends alert intents.
package pull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/router"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnauthorized the API rejected the token.
var ErrUnauthorized = errors.New("unauthorized")

// Config REST client settings.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Client fetches snapshots and sends intents. Snapshots are never retried
// here; a failed pull is reported and the caller decides. Intents are
// retried.
type Client struct {
	fetch   *resty.Client
	intents *resty.Client
	clock   func() time.Time
	logger  *zap.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}

	newResty := func() *resty.Client {
		c := resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json")
		if cfg.Token != "" {
			c.SetAuthToken(cfg.Token)
		}
		return c
	}

	intents := newResty().
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(5 * cfg.RetryWait).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		fetch:   newResty(),
		intents: intents,
		clock:   time.Now,
		logger:  logger,
	}
}

// Fetch pulls one target key. FetchedAt is the time the request was issued,
// so anything pushed while it was in flight wins.
func (c *Client) Fetch(ctx context.Context, key cache.Key) ([]router.PullResult, error) {
	fetchedAt := c.clock()
	id := key.ID

	switch key.Type {
	case models.EntityPatient:
		return c.object(ctx, router.PullPatient, id, "/patients/{id}", fetchedAt)
	case models.EntityAppointment:
		return c.object(ctx, router.PullAppointment, id, "/appointments/{id}", fetchedAt)
	case models.DerivedAlerts:
		body, err := c.get(ctx, "/alerts", id, map[string]string{"patientId": id})
		if err != nil {
			return nil, err
		}
		return c.list(router.PullAlerts, id, body, fetchedAt)
	case models.DerivedVitals:
		body, err := c.get(ctx, "/patients/{id}/vitals", id, nil)
		if err != nil {
			return nil, err
		}
		return c.list(router.PullVitals, id, body, fetchedAt)
	case models.EntityTrend:
		body, err := c.get(ctx, "/patients/{id}/trends", id, nil)
		if err != nil {
			return nil, err
		}
		return c.list(router.PullTrends, id, body, fetchedAt)
	}
	return nil, fmt.Errorf("no pull endpoint for %s", key)
}

func (c *Client) object(ctx context.Context, entity, id, path string, fetchedAt time.Time) ([]router.PullResult, error) {
	body, err := c.get(ctx, path, id, nil)
	if err != nil {
		return nil, err
	}
	payload, err := NormalizeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", entity, id, err)
	}
	return []router.PullResult{{EntityType: entity, ID: id, Payload: payload, FetchedAt: fetchedAt}}, nil
}

func (c *Client) list(entity, id string, body []byte, fetchedAt time.Time) ([]router.PullResult, error) {
	items, err := NormalizeList(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", entity, id, err)
	}
	return []router.PullResult{{EntityType: entity, ID: id, Items: items, FetchedAt: fetchedAt}}, nil
}

func (c *Client) get(ctx context.Context, path, id string, query map[string]string) ([]byte, error) {
	req := c.fetch.R().SetContext(ctx).SetPathParam("id", id)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to GET %s: %w", path, err)
	}
	if err := statusError(resp); err != nil {
		c.logger.Warn("Pull request rejected",
			zap.String("path", resp.Request.URL),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, err
	}
	return resp.Body(), nil
}

// AcknowledgeAlert implements alerts.IntentSink.
func (c *Client) AcknowledgeAlert(ctx context.Context, id string) error {
	resp, err := c.intents.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Post("/alerts/{id}/acknowledge")
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %s: %w", id, err)
	}
	return statusError(resp)
}

// DismissAlert implements alerts.IntentSink.
func (c *Client) DismissAlert(ctx context.Context, id string) error {
	resp, err := c.intents.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Delete("/alerts/{id}")
	if err != nil {
		return fmt.Errorf("failed to dismiss alert %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return statusError(resp)
}

func statusError(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", resp.Request.Method, resp.Request.URL, ErrUnauthorized)
	case code >= 300:
		return fmt.Errorf("%s %s: status %d", resp.Request.Method, resp.Request.URL, code)
	}
	return nil
}
