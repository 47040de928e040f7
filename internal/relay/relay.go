package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/relaypool/relaypool/internal/adaptor"
	"github.com/relaypool/relaypool/internal/auth"
	"github.com/relaypool/relaypool/internal/broadcast"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/pool"
	"github.com/relaypool/relaypool/internal/router"
	"github.com/relaypool/relaypool/internal/sse"
	"github.com/relaypool/relaypool/internal/typ"
)

const messagesPath = "/v1/messages"
const chatCompletionsPath = "/v1/chat/completions"

// Request is one client request as seen by the attempt loop.
type Request struct {
	Model  string
	Body   []byte // raw Anthropic-format request body
	Header http.Header
	Stream bool
}

// Response is a successful non-streaming upstream result, already converted
// to Anthropic format.
type Response struct {
	Status   int
	Body     []byte
	Provider *typ.Provider
}

// Relay owns the attempt loop shared by the buffered and streaming paths.
type Relay struct {
	pool     *pool.Pool
	router   *router.Router
	resolver *auth.Resolver

	mu       sync.RWMutex
	settings config.Settings
}

// New builds a relay.
func New(p *pool.Pool, r *router.Router, resolver *auth.Resolver, settings config.Settings) *Relay {
	return &Relay{pool: p, router: r, resolver: resolver, settings: settings}
}

// UpdateSettings swaps in new tunables after a config reload.
func (r *Relay) UpdateSettings(settings config.Settings) {
	r.mu.Lock()
	r.settings = settings
	r.mu.Unlock()
}

func (r *Relay) currentSettings() config.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// candidates resolves and health-filters the attempt order for a model.
func (r *Relay) candidates(model string) ([]typ.Candidate, *typ.RelayError) {
	resolved, err := r.router.Resolve(model)
	if err != nil {
		return nil, &typ.RelayError{
			Kind:    typ.KindModelNotRouted,
			Message: err.Error(),
			Err:     err,
		}
	}

	healthy := r.pool.SelectCandidates(model, resolved)
	if len(healthy) == 0 {
		return nil, &typ.RelayError{
			Kind:    typ.KindAllExhausted,
			Message: fmt.Sprintf("all providers for model %q are cooling down", model),
		}
	}
	return healthy, nil
}

// Do runs the non-streaming attempt loop. The returned response body is
// Anthropic-format JSON regardless of the upstream wire format.
func (r *Relay) Do(ctx context.Context, req *Request) (*Response, *typ.RelayError) {
	cands, rerr := r.candidates(req.Model)
	if rerr != nil {
		return nil, rerr
	}

	var lastErr *typ.RelayError
	for i, cand := range cands {
		if err := ctx.Err(); err != nil {
			return nil, &typ.RelayError{Kind: typ.KindStreamAborted, Message: "client disconnected", Err: err}
		}

		resp, attemptErr := r.attempt(ctx, cand, req)
		if attemptErr == nil {
			r.pool.MarkSuccess(cand.Provider)
			return resp, nil
		}

		// A client disconnect aborts the attempt through the request context;
		// the provider did nothing wrong.
		if !(attemptErr.Kind == typ.KindStreamAborted && ctx.Err() != nil) {
			r.pool.MarkFailure(cand.Provider, attemptErr.Kind)
		}
		logrus.Warnf("Attempt %d/%d via %s failed: %v", i+1, len(cands), cand.Provider.DisplayName(), attemptErr)

		if !attemptErr.Retryable() {
			return nil, attemptErr
		}
		lastErr = attemptErr
	}

	return nil, exhausted(req.Model, lastErr)
}

// exhausted wraps the last attempt error once every candidate has failed.
// Missing OAuth credentials keep their own kind so the client sees a 401 with
// re-auth guidance instead of a generic 503.
func exhausted(model string, last *typ.RelayError) *typ.RelayError {
	if last != nil && last.Kind == typ.KindOAuthUnavailable {
		return &typ.RelayError{
			Kind:    typ.KindOAuthUnavailable,
			Message: fmt.Sprintf("no usable oauth token for model %q, re-authenticate and store a fresh token: %s", model, last.Message),
			Err:     last,
		}
	}
	out := &typ.RelayError{
		Kind:    typ.KindAllExhausted,
		Message: fmt.Sprintf("all providers failed for model %q", model),
	}
	if last != nil {
		out.Message = fmt.Sprintf("all providers failed for model %q, last error: %s", model, last.Kind)
		out.Status = last.Status
		out.UpstreamBody = last.UpstreamBody
		out.Err = last
	}
	return out
}

// attempt performs one buffered upstream call.
func (r *Relay) attempt(ctx context.Context, cand typ.Candidate, req *Request) (*Response, *typ.RelayError) {
	settings := r.currentSettings()

	headers, err := r.resolver.Resolve(cand.Provider, req.Header)
	if err != nil {
		return nil, &typ.RelayError{Kind: typ.KindOAuthUnavailable, Message: err.Error(), Err: err}
	}

	body, path, rerr := buildUpstreamBody(cand, req, false)
	if rerr != nil {
		return nil, rerr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(cand.Provider.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, &typ.RelayError{Kind: typ.KindClientRequest, Message: err.Error(), Err: err}
	}
	setOutgoingHeaders(httpReq, headers)

	client := NewHTTPClient(cand.Provider, settings.ConnectTimeoutDuration(), settings.ReadTimeoutDuration())
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &typ.RelayError{Kind: typ.KindNetworkError, Message: "reading upstream response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := typ.ClassifyStatus(resp.StatusCode)
		return nil, typ.NewRelayError(kind, resp.StatusCode,
			fmt.Sprintf("upstream %s returned %d", cand.Provider.DisplayName(), resp.StatusCode), respBody)
	}

	out, rerr := convertResponseBody(cand, req.Model, respBody)
	if rerr != nil {
		return nil, rerr
	}
	return &Response{Status: resp.StatusCode, Body: out, Provider: cand.Provider}, nil
}

// RunStream drives the upstream side of a broadcast session: attempt loop,
// frame publication, terminal state. It runs in its own goroutine and obeys
// the session context, which dies when the last subscriber leaves.
func (r *Relay) RunStream(session *broadcast.Session, req *Request) {
	ctx := session.Context()

	cands, rerr := r.candidates(req.Model)
	if rerr != nil {
		session.Fail(rerr)
		return
	}

	var lastErr *typ.RelayError
	for i, cand := range cands {
		if ctx.Err() != nil {
			session.Fail(&typ.RelayError{Kind: typ.KindStreamAborted, Message: "all subscribers detached"})
			return
		}

		published, attemptErr := r.streamAttempt(ctx, cand, req, session)
		if attemptErr == nil {
			r.pool.MarkSuccess(cand.Provider)
			session.Complete()
			return
		}

		// When every subscriber detaches the session context dies and the
		// attempt aborts; that is a client-side end, not a provider failure.
		if !(attemptErr.Kind == typ.KindStreamAborted && ctx.Err() != nil) {
			r.pool.MarkFailure(cand.Provider, attemptErr.Kind)
		}
		logrus.Warnf("Stream attempt %d/%d via %s failed after %d frames: %v",
			i+1, len(cands), cand.Provider.DisplayName(), published, attemptErr)

		// Once frames have gone out, the client stream is partially consumed;
		// failing over would replay or splice. Surface the error mid-stream.
		if published > 0 || !attemptErr.Retryable() {
			session.Fail(attemptErr)
			return
		}
		lastErr = attemptErr
	}

	session.Fail(exhausted(req.Model, lastErr))
}

// streamAttempt performs one streaming upstream call, publishing frames into
// the session. It returns the number of frames published.
func (r *Relay) streamAttempt(ctx context.Context, cand typ.Candidate, req *Request, session *broadcast.Session) (int, *typ.RelayError) {
	settings := r.currentSettings()

	headers, err := r.resolver.Resolve(cand.Provider, req.Header)
	if err != nil {
		return 0, &typ.RelayError{Kind: typ.KindOAuthUnavailable, Message: err.Error(), Err: err}
	}

	body, path, rerr := buildUpstreamBody(cand, req, true)
	if rerr != nil {
		return 0, rerr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(cand.Provider.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, &typ.RelayError{Kind: typ.KindClientRequest, Message: err.Error(), Err: err}
	}
	setOutgoingHeaders(httpReq, headers)
	httpReq.Header.Set("Accept", "text/event-stream")

	// No total timeout on streams; the read deadline is per chunk.
	client := NewHTTPClient(cand.Provider, settings.ConnectTimeoutDuration(), 0)
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := typ.ClassifyStatus(resp.StatusCode)
		return 0, typ.NewRelayError(kind, resp.StatusCode,
			fmt.Sprintf("upstream %s returned %d", cand.Provider.DisplayName(), resp.StatusCode), errBody)
	}

	session.SetProvider(cand.Provider.Name, cand.Provider.AccountEmail)

	switch cand.Provider.Type {
	case typ.ProviderAnthropic:
		return r.publishAnthropicStream(ctx, resp.Body, session, settings.ReadTimeoutDuration())
	default:
		return r.publishOpenAIStream(ctx, resp.Body, session, req.Model, settings.ReadTimeoutDuration())
	}
}

// frameResult carries one parsed frame or the read error off the reader
// goroutine.
type frameResult struct {
	frame sse.Frame
	err   error
}

// readFrames pumps parsed frames into a channel so the publish loop can
// enforce a per-chunk deadline with a select. Closing done releases the
// goroutine once the publish loop stops receiving.
func readFrames(body io.ReadCloser, done <-chan struct{}) <-chan frameResult {
	ch := make(chan frameResult)
	reader := sse.NewReader(body)
	go func() {
		defer close(ch)
		for {
			frame, err := reader.Next()
			select {
			case ch <- frameResult{frame: frame, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// nextFrame waits for the next upstream frame with a per-chunk deadline.
func nextFrame(ctx context.Context, frames <-chan frameResult, body io.Closer, timeout time.Duration, timer *time.Timer) (sse.Frame, error) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(timeout)

	select {
	case res, ok := <-frames:
		if !ok {
			return sse.Frame{}, io.EOF
		}
		return res.frame, res.err
	case <-timer.C:
		body.Close()
		return sse.Frame{}, context.DeadlineExceeded
	case <-ctx.Done():
		body.Close()
		return sse.Frame{}, ctx.Err()
	}
}

// publishAnthropicStream forwards upstream Anthropic frames verbatim.
func (r *Relay) publishAnthropicStream(ctx context.Context, body io.ReadCloser, session *broadcast.Session, chunkTimeout time.Duration) (int, *typ.RelayError) {
	done := make(chan struct{})
	defer close(done)
	frames := readFrames(body, done)
	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()

	published := 0
	for {
		frame, err := nextFrame(ctx, frames, body, chunkTimeout, timer)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if published == 0 {
				return 0, &typ.RelayError{Kind: typ.KindUpstreamServer, Message: "upstream closed stream without frames"}
			}
			return published, nil
		case errors.Is(err, context.DeadlineExceeded):
			return published, &typ.RelayError{Kind: typ.KindTimeout, Message: "streaming read timed out", Err: err}
		case errors.Is(err, context.Canceled):
			return published, &typ.RelayError{Kind: typ.KindStreamAborted, Message: "stream cancelled", Err: err}
		default:
			return published, &typ.RelayError{Kind: typ.KindNetworkError, Message: "reading upstream stream", Err: err}
		}

		session.Publish(frame)
		published++

		if frame.Event == "message_stop" {
			return published, nil
		}
	}
}

// publishOpenAIStream converts upstream OpenAI chunks to Anthropic frames
// before publishing.
func (r *Relay) publishOpenAIStream(ctx context.Context, body io.ReadCloser, session *broadcast.Session, clientModel string, chunkTimeout time.Duration) (int, *typ.RelayError) {
	done := make(chan struct{})
	defer close(done)
	frames := readFrames(body, done)
	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()

	conv := adaptor.NewStreamConverter(clientModel)
	published := 0

	publish := func(out []sse.Frame) {
		for _, f := range out {
			session.Publish(f)
			published++
		}
	}

	for {
		frame, err := nextFrame(ctx, frames, body, chunkTimeout, timer)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if published == 0 {
				return 0, &typ.RelayError{Kind: typ.KindUpstreamServer, Message: "upstream closed stream without frames"}
			}
			publish(conv.Finish())
			return published, nil
		case errors.Is(err, context.DeadlineExceeded):
			return published, &typ.RelayError{Kind: typ.KindTimeout, Message: "streaming read timed out", Err: err}
		case errors.Is(err, context.Canceled):
			return published, &typ.RelayError{Kind: typ.KindStreamAborted, Message: "stream cancelled", Err: err}
		default:
			return published, &typ.RelayError{Kind: typ.KindNetworkError, Message: "reading upstream stream", Err: err}
		}

		if frame.IsDone() {
			publish(conv.Finish())
			return published, nil
		}

		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(frame.Data, &chunk); err != nil {
			logrus.Debugf("Skipping malformed stream chunk: %v", err)
			continue
		}

		if published == 0 {
			publish([]sse.Frame{conv.Start()})
		}
		publish(conv.Convert(&chunk))

		if conv.Finished() {
			return published, nil
		}
	}
}

// buildUpstreamBody produces the wire body and path for one attempt. For
// anthropic-typed providers the client body is forwarded with only the model
// rewritten; openai-typed providers get a full format conversion.
func buildUpstreamBody(cand typ.Candidate, req *Request, stream bool) ([]byte, string, *typ.RelayError) {
	if cand.Provider.Type == typ.ProviderAnthropic {
		body, err := sjson.SetBytes(req.Body, "model", cand.UpstreamModel)
		if err != nil {
			return nil, "", &typ.RelayError{Kind: typ.KindClientRequest, Message: "rewriting model field", Err: err}
		}
		return body, messagesPath, nil
	}

	var anthropicReq anthropic.MessageNewParams
	if err := json.Unmarshal(req.Body, &anthropicReq); err != nil {
		return nil, "", &typ.RelayError{Kind: typ.KindClientRequest, Message: "parsing request body", Err: err}
	}

	openaiReq := adaptor.ConvertAnthropicToOpenAIRequest(&anthropicReq, cand.UpstreamModel)
	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, "", &typ.RelayError{Kind: typ.KindClientRequest, Message: "encoding converted request", Err: err}
	}

	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	} else {
		body, _ = sjson.DeleteBytes(body, "stream")
	}
	return body, chatCompletionsPath, nil
}

// convertResponseBody normalizes a buffered upstream response to Anthropic
// format, echoing the client-facing model name.
func convertResponseBody(cand typ.Candidate, clientModel string, respBody []byte) ([]byte, *typ.RelayError) {
	if cand.Provider.Type == typ.ProviderAnthropic {
		out, err := sjson.SetBytes(respBody, "model", clientModel)
		if err != nil {
			return respBody, nil
		}
		return out, nil
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, typ.NewRelayError(typ.KindUpstreamServer, 0, "parsing upstream response", respBody)
	}
	out, err := adaptor.ConvertOpenAIToAnthropicResponse(&completion, clientModel)
	if err != nil {
		return nil, &typ.RelayError{Kind: typ.KindUpstreamServer, Message: "encoding converted response", Err: err}
	}
	return out, nil
}

// setOutgoingHeaders installs resolved headers, honoring the Host override.
func setOutgoingHeaders(req *http.Request, headers http.Header) {
	req.Header = headers.Clone()
	if host := headers.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
}

// classifyTransportError maps a client.Do error to a relay error kind.
func classifyTransportError(err error) *typ.RelayError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &typ.RelayError{Kind: typ.KindTimeout, Message: "upstream call timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &typ.RelayError{Kind: typ.KindStreamAborted, Message: "upstream call cancelled", Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &typ.RelayError{Kind: typ.KindTimeout, Message: "upstream call timed out", Err: err}
	}
	return &typ.RelayError{Kind: typ.KindNetworkError, Message: "upstream call failed", Err: err}
}
