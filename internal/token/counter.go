// Package token serves count-tokens requests: upstream forwarding to a
// healthy anthropic provider when possible, deterministic local BPE
// estimation otherwise.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/relaypool/relaypool/internal/auth"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/pool"
	"github.com/relaypool/relaypool/internal/relay"
	"github.com/relaypool/relaypool/internal/typ"
)

// imageTokenEstimate is the flat per-image charge used by the local
// estimator. Images are not encoded; this matches the upstream ballpark for a
// mid-size image.
const imageTokenEstimate = 768

const countTokensPath = "/v1/messages/count_tokens?beta=true"

// Counter answers count-tokens requests.
type Counter struct {
	pool     *pool.Pool
	resolver *auth.Resolver

	mu       sync.RWMutex
	settings config.Settings
}

// NewCounter builds a counter.
func NewCounter(p *pool.Pool, resolver *auth.Resolver, settings config.Settings) *Counter {
	return &Counter{pool: p, resolver: resolver, settings: settings}
}

// UpdateSettings swaps in new tunables after a config reload.
func (c *Counter) UpdateSettings(settings config.Settings) {
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

func (c *Counter) currentSettings() config.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Count returns the input token count for a raw count-tokens request body.
// It prefers the upstream counter of a healthy anthropic provider, guarded by
// the per-provider sub-breaker, and falls back to the local estimate.
func (c *Counter) Count(ctx context.Context, body []byte, header http.Header) (int, error) {
	if prov := c.pool.SelectHealthyAnthropic(); prov != nil && c.pool.IsCountTokensAvailable(prov) {
		n, err := c.countUpstream(ctx, prov, body, header)
		if err == nil {
			c.pool.MarkCountTokensSuccess(prov)
			return n, nil
		}
		c.pool.MarkCountTokensFailed(prov)
		logrus.Warnf("Upstream count_tokens via %s failed, falling back to local estimate: %v", prov.DisplayName(), err)
	}

	return EstimateLocal(body)
}

// countUpstream forwards the request to the provider's count-tokens endpoint.
// The timeout override, when configured, replaces the usual read timeout so a
// slow counter cannot stall the fast path for long.
func (c *Counter) countUpstream(ctx context.Context, prov *typ.Provider, body []byte, header http.Header) (int, error) {
	settings := c.currentSettings()

	headers, err := c.resolver.Resolve(prov, header)
	if err != nil {
		return 0, err
	}

	timeout := settings.CountTokensTimeoutDuration()
	if timeout <= 0 {
		timeout = settings.ReadTimeoutDuration()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(prov.BaseURL, "/")+countTokensPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header = headers.Clone()
	if host := headers.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	// The provider's proxy settings apply to the counter path too.
	client := relay.NewHTTPClient(prov, settings.ConnectTimeoutDuration(), timeout)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upstream count_tokens returned %d: %.200s", resp.StatusCode, respBody)
	}

	var result struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("parsing count_tokens response: %w", err)
	}
	return result.InputTokens, nil
}

// EstimateLocal computes the deterministic cl100k_base estimate for a
// count-tokens request body.
func EstimateLocal(body []byte) (int, error) {
	var params anthropic.MessageCountTokensParams
	if err := json.Unmarshal(body, &params); err != nil {
		return 0, fmt.Errorf("parsing count_tokens request: %w", err)
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return 0, fmt.Errorf("failed to get tokenizer: %w", err)
	}

	countOrEstimate := func(text string) int {
		n, err := enc.Count(text)
		if err != nil {
			return len(text) / 4
		}
		return n
	}

	total := 0

	if params.System.OfString.Valid() {
		total += countOrEstimate(params.System.OfString.String())
	}
	for _, sys := range params.System.OfTextBlockArray {
		total += countOrEstimate(sys.Text)
	}

	for _, msg := range params.Messages {
		total += countOrEstimate(string(msg.Role))

		for _, block := range msg.Content {
			switch {
			case block.OfText != nil:
				total += countOrEstimate(block.OfText.Text)
			case block.OfImage != nil:
				total += imageTokenEstimate
			case block.OfToolUse != nil:
				total += countOrEstimate(block.OfToolUse.Name)
				if inputJSON, err := json.Marshal(block.OfToolUse.Input); err == nil {
					total += countOrEstimate(string(inputJSON))
				}
			case block.OfToolResult != nil:
				var parts []string
				for _, c := range block.OfToolResult.Content {
					if c.OfText != nil {
						parts = append(parts, c.OfText.Text)
					}
				}
				total += countOrEstimate(strings.Join(parts, "\n"))
			}
		}
	}

	for _, t := range params.Tools {
		tool := t.OfTool
		if tool == nil {
			continue
		}
		total += countOrEstimate(tool.Name + tool.Description.Value)
		if schemaJSON, err := json.Marshal(tool.InputSchema); err == nil {
			total += countOrEstimate(string(schemaJSON))
		}
	}

	return total, nil
}
