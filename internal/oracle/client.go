package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 5 * time.Second
	backoffBase    = 250 * time.Millisecond
	maxRetries     = 4
)

// Trait is one attribute of a collectible token.
type Trait struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Client fetches token metadata from the external traits oracle. Responses
// with 429 or 5xx status retry with bounded exponential backoff; anything
// else fails immediately.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
	}
}

// Traits fetches the trait list for one token in a collection.
func (c *Client) Traits(ctx context.Context, collection string, nonce int64) ([]Trait, error) {
	url := fmt.Sprintf("%s/collections/%s/tokens/%d/traits", c.baseURL, collection, nonce)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		traits, retryable, err := c.fetch(ctx, url)
		if err == nil {
			return traits, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Debug().Err(err).Int("attempt", attempt+1).Str("url", url).Msg("oracle fetch retrying")
	}

	return nil, fmt.Errorf("oracle exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *Client) fetch(ctx context.Context, url string) (traits []Trait, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("oracle status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&traits); err != nil {
		return nil, false, fmt.Errorf("decode traits: %w", err)
	}
	return traits, false, nil
}
