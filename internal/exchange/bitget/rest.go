package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/infra"
)

const codeOK = "00000"

// Venue codes that mean the order ID is not known (already final or
// never existed). These map to exchange.ErrUnknownOrder so callers can
// treat a cancel race as benign.
var unknownOrderCodes = map[string]bool{
	"40768": true,
	"43001": true,
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// restClient signs and rate-limits V2 REST calls. A circuit breaker
// guards transport health: venue-level rejections count as a healthy
// round trip, only timeouts and 5xx trip it.
type restClient struct {
	baseURL string
	signer  *Signer
	http    *http.Client
	breaker *infra.CircuitBreaker
}

func newRESTClient(baseURL string, signer *Signer) *restClient {
	return &restClient{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("bitget-rest")),
	}
}

func (c *restClient) get(ctx context.Context, limiter *infra.RateLimiter, path string, query url.Values, out any) error {
	q := ""
	if len(query) > 0 {
		q = "?" + query.Encode()
	}
	return c.do(ctx, limiter, http.MethodGet, path, q, "", out)
}

func (c *restClient) post(ctx context.Context, limiter *infra.RateLimiter, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	return c.do(ctx, limiter, http.MethodPost, path, "", string(b), out)
}

func (c *restClient) do(ctx context.Context, limiter *infra.RateLimiter, method, path, query, body string, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit open for %s", exchange.ErrUnavailable, path)
	}
	limiter.Wait()

	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+query, reqBody)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	for k, v := range c.signer.Headers(method, path, query, body) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s: %v", exchange.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: read %s response: %v", exchange.ErrUnavailable, path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s: HTTP %d", exchange.ErrUnavailable, method, path, resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != codeOK {
		kind := exchange.ErrRejected
		if unknownOrderCodes[env.Code] {
			kind = exchange.ErrUnknownOrder
		}
		return fmt.Errorf("%w: %s %s: %s (code %s)", kind, method, path, env.Msg, env.Code)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}
