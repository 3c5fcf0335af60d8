// Package actual implements the LedgerGateway against actual-http-api, the
// REST bridge in front of an Actual Budget server.
package actual

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/resilience"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("actual")

// Config identifies the server and budget to open.
type Config struct {
	BaseURL            string
	APIKey             string
	BudgetID           string // sync id (cloudFileId) or group id
	EncryptionPassword string // only for end-to-end encrypted budgets
}

// Client opens Ledger sessions. It holds no per-budget state.
type Client struct {
	httpClient *http.Client
	conf       Config
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a new actual-http-api client.
func NewClient(httpClient *http.Client, conf Config, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		conf:       conf,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// InitializeSession implements port.LedgerGateway.
func (c *Client) InitializeSession(ctx context.Context) (port.LedgerSession, error) {
	s, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type budget struct {
	Name        string `json:"name"`
	CloudFileID string `json:"cloudFileId"`
	GroupID     string `json:"groupId"`
}

// Open verifies that the configured budget exists and returns a session on it.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	ctx, span := tracer.Start(ctx, "ActualClient.Open")
	defer span.End()
	span.SetAttributes(attribute.String("budget.id", c.conf.BudgetID))

	var resp struct {
		Data []budget `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/budgets", nil, &resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrInit{BudgetID: c.conf.BudgetID, Err: err}
	}

	for _, b := range resp.Data {
		if b.CloudFileID == c.conf.BudgetID || b.GroupID == c.conf.BudgetID {
			c.logger.Info("ledger session opened",
				zap.String("budget", b.Name),
				zap.String("budget_id", c.conf.BudgetID),
			)
			return newSession(c, c.conf.BudgetID), nil
		}
	}

	span.SetStatus(codes.Error, "budget not found")
	return nil, &domain.ErrInit{BudgetID: c.conf.BudgetID, NotFound: true}
}

// do performs one JSON request with circuit breaker and retry.
// out may be nil to discard the body.
// POST creates server-side records and is sent once: a retry after a lost
// response would create a second transaction or payee.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	retry := c.cfg
	if method == http.MethodPost {
		retry.MaxRetries = 0
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, retry, func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.conf.BaseURL+path, bytes.NewReader(payload))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("x-api-key", c.conf.APIKey)
			if c.conf.EncryptionPassword != "" {
				req.Header.Set("budget-encryption-password", c.conf.EncryptionPassword)
			}
			if in != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return &domain.ErrStatus{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
			}
			if out == nil {
				_, err = io.Copy(io.Discard, resp.Body)
				return err
			}

			dec := json.NewDecoder(resp.Body)
			dec.UseNumber()
			if err := dec.Decode(out); err != nil {
				return resilience.Permanent(fmt.Errorf("decode %s response: %w", path, err))
			}
			return nil
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("actual-http-api unavailable: %w", err)
	}
	return err
}

func (c *Client) budgetPath(budgetID string, parts ...string) string {
	p := "/v1/budgets/" + url.PathEscape(budgetID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
