// Package ghostfolio implements the SourceGateway against the Ghostfolio REST API.
package ghostfolio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/resilience"

	"github.com/PaesslerAG/jsonpath"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const serviceName = "ghostfolio"

var tracer = otel.Tracer("ghostfolio")

// accountListPaths are the response shapes seen for GET /api/v1/account,
// tried in order: a bare array, {"accounts": [...]}, {"data": [...]}.
var accountListPaths = []string{"$", "$.accounts", "$.data"}

// tokenFields are the auth response keys that may carry the bearer token.
var tokenFields = []string{"authToken", "token", "access_token", "accessToken"}

// Client talks to one Ghostfolio instance.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
	logger      *zap.Logger
}

// NewClient creates a new Ghostfolio client. accessToken is the security
// token that is exchanged for a session JWT.
func NewClient(httpClient *http.Client, baseURL, accessToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		cb:          cb,
		cfg:         cfg,
		logger:      logger,
	}
}

// Authenticate exchanges the access token for a session.
func (c *Client) Authenticate(ctx context.Context) (*domain.SourceSession, error) {
	ctx, span := tracer.Start(ctx, "GhostfolioClient.Authenticate")
	defer span.End()

	var body map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/anonymous", "", map[string]string{"accessToken": c.accessToken}, &body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var status *domain.ErrStatus
		if errors.As(err, &status) {
			return nil, &domain.ErrAuth{Service: serviceName, Reason: fmt.Sprintf("status %d", status.Code), Err: err}
		}
		return nil, &domain.ErrAuth{Service: serviceName, Reason: "request failed", Err: err}
	}

	token := firstString(body, tokenFields...)
	if token == "" {
		span.SetStatus(codes.Error, "no token")
		return nil, &domain.ErrAuth{Service: serviceName, Reason: "response carried no token"}
	}

	sess := &domain.SourceSession{Token: token, ExpiresAt: tokenExpiry(token)}
	if !sess.ExpiresAt.IsZero() {
		c.logger.Debug("ghostfolio session opened", zap.Time("expires_at", sess.ExpiresAt))
	}
	return sess, nil
}

// ListAccounts returns the raw account records.
// Fetching accounts also queues price updates on the Ghostfolio side.
func (c *Client) ListAccounts(ctx context.Context, sess *domain.SourceSession) ([]domain.RawAccount, error) {
	ctx, span := tracer.Start(ctx, "GhostfolioClient.ListAccounts")
	defer span.End()

	var body any
	if err := c.do(ctx, http.MethodGet, "/api/v1/account", sess.Token, nil, &body); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrExternalService{Service: "ghostfolio/accounts", Err: err}
	}

	accounts, err := extractAccounts(body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrExternalService{Service: "ghostfolio/accounts", Err: err}
	}
	span.SetAttributes(attribute.Int("accounts.count", len(accounts)))
	return accounts, nil
}

// TriggerAuxiliaryRefresh requests the fear-and-greed index, which makes
// Ghostfolio refresh market data. The response body is ignored.
func (c *Client) TriggerAuxiliaryRefresh(ctx context.Context, sess *domain.SourceSession) error {
	ctx, span := tracer.Start(ctx, "GhostfolioClient.TriggerAuxiliaryRefresh")
	defer span.End()

	path := "/api/v1/symbol/RAPID_API/_GF_FEAR_AND_GREED_INDEX?includeHistoricalData=365"
	if err := c.do(ctx, http.MethodGet, path, sess.Token, nil, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &domain.ErrExternalService{Service: "ghostfolio/fear-and-greed", Err: err}
	}
	return nil
}

// do performs one JSON request with circuit breaker and retry.
// out may be nil to discard the body.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Accept", "application/json")
			if in != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
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
	return err
}

// extractAccounts applies each known response shape in turn.
func extractAccounts(body any) ([]domain.RawAccount, error) {
	for _, path := range accountListPaths {
		v, err := jsonpath.Get(path, body)
		if err != nil {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		accounts := make([]domain.RawAccount, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				accounts = append(accounts, domain.RawAccount(obj))
			}
		}
		return accounts, nil
	}
	return nil, fmt.Errorf("unrecognised account list response: expected an array or an object with %q or %q", "accounts", "data")
}

// tokenExpiry reads the exp claim without verifying the signature.
// Opaque tokens yield the zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
