// Package graphql reads block height from the daemon GraphQL endpoint and
// account actions from the archive GraphQL endpoint.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidConfig    = errors.New("graphql: invalid config")
	ErrQuery            = errors.New("graphql: query error")
	ErrResponseTooLarge = errors.New("graphql: response too large")
)

// QueryError carries the first error the server reported for a query.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return "graphql: query error: " + e.Message
}

func (e *QueryError) Unwrap() error { return ErrQuery }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithRateLimit caps archive queries per second. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst <= 0 {
			return fmt.Errorf("%w: burst must be > 0", ErrInvalidConfig)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

type Client struct {
	daemonURL    string
	archiveURL   string
	hc           *http.Client
	maxRespBytes int64
	limiter      *rate.Limiter
}

var _ chain.Reader = (*Client)(nil)

func New(daemonURL, archiveURL string, opts ...Option) (*Client, error) {
	daemonURL = strings.TrimSpace(daemonURL)
	archiveURL = strings.TrimSpace(archiveURL)
	if daemonURL == "" {
		return nil, fmt.Errorf("%w: missing daemon url", ErrInvalidConfig)
	}
	if archiveURL == "" {
		return nil, fmt.Errorf("%w: missing archive url", ErrInvalidConfig)
	}
	c := &Client{
		daemonURL:    daemonURL,
		archiveURL:   archiveURL,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 10 << 20,
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

const heightQuery = `query { bestChain(maxLength: 1) { protocolState { consensusState { blockHeight } } } }`

const actionsQuery = `query Actions($address: String!, $from: Int!, $to: Int!) {
  actions(input: { address: $address, from: $from, to: $to }) {
    blockInfo { height distanceFromMaxBlockHeight }
    actionData { transactionInfo { transactionHash } }
  }
}`

// CurrentHeight returns the height of the daemon's best tip.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var out struct {
		BestChain []struct {
			ProtocolState struct {
				ConsensusState struct {
					BlockHeight flexInt `json:"blockHeight"`
				} `json:"consensusState"`
			} `json:"protocolState"`
		} `json:"bestChain"`
	}
	if err := c.do(ctx, c.daemonURL, heightQuery, nil, &out); err != nil {
		return 0, err
	}
	if len(out.BestChain) == 0 {
		return 0, fmt.Errorf("%w: empty best chain", ErrQuery)
	}
	return int64(out.BestChain[0].ProtocolState.ConsensusState.BlockHeight), nil
}

// ActionsInRange queries each distinct address independently. A failed
// address is reported in its Err field; only context cancellation fails the
// whole call.
func (c *Client) ActionsInRange(ctx context.Context, addresses []string, fromHeight, toHeight int64) ([]chain.AddressActions, error) {
	if err := chain.ValidateRange(fromHeight, toHeight); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(addresses))
	out := make([]chain.AddressActions, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return out, err
			}
		}
		actions, err := c.actions(ctx, addr, fromHeight, toHeight)
		if err != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
		out = append(out, chain.AddressActions{Address: addr, Actions: actions, Err: err})
	}
	return out, nil
}

func (c *Client) actions(ctx context.Context, address string, from, to int64) ([]chain.Action, error) {
	var out struct {
		Actions []struct {
			BlockInfo struct {
				Height                     flexInt `json:"height"`
				DistanceFromMaxBlockHeight flexInt `json:"distanceFromMaxBlockHeight"`
			} `json:"blockInfo"`
			ActionData []struct {
				TransactionInfo struct {
					TransactionHash string `json:"transactionHash"`
				} `json:"transactionInfo"`
			} `json:"actionData"`
		} `json:"actions"`
	}
	vars := map[string]any{"address": address, "from": from, "to": to}
	if err := c.do(ctx, c.archiveURL, actionsQuery, vars, &out); err != nil {
		return nil, err
	}

	var actions []chain.Action
	for _, block := range out.Actions {
		for _, data := range block.ActionData {
			hash := strings.TrimSpace(data.TransactionInfo.TransactionHash)
			if hash == "" {
				continue
			}
			actions = append(actions, chain.Action{
				Height:                int64(block.BlockInfo.Height),
				DistanceFromMaxHeight: int64(block.BlockInfo.DistanceFromMaxBlockHeight),
				TransactionHash:       hash,
			})
		}
	}
	return actions, nil
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, url, query string, vars map[string]any, out any) error {
	reqBody, err := json.Marshal(request{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("graphql: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("graphql: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("graphql: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("graphql: http status %d: %s", resp.StatusCode, msg)
	}

	var rr response
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("graphql: unmarshal response: %w", err)
	}
	if len(rr.Errors) > 0 {
		return &QueryError{Message: rr.Errors[0].Message}
	}
	if len(rr.Data) == 0 || string(rr.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrQuery)
	}
	if err := json.Unmarshal(rr.Data, out); err != nil {
		return fmt.Errorf("graphql: unmarshal data: %w", err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("graphql: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

// flexInt accepts heights encoded either as JSON numbers or as decimal strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("graphql: parse int %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}
