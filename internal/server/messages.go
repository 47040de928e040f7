package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/relaypool/relaypool/internal/broadcast"
	"github.com/relaypool/relaypool/internal/record"
	"github.com/relaypool/relaypool/internal/relay"
	"github.com/relaypool/relaypool/internal/sse"
	"github.com/relaypool/relaypool/internal/typ"
)

// maxRequestBody caps inbound request bodies at 32 MiB, enough for large
// base64 image payloads.
const maxRequestBody = 32 << 20

// handleMessages serves POST /v1/messages for both buffered and streaming
// requests.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, &typ.RelayError{Kind: typ.KindClientRequest, Message: "reading request body"})
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(c, &typ.RelayError{Kind: typ.KindClientRequest, Message: "model is required"})
		return
	}

	req := &relay.Request{
		Model:  model,
		Body:   body,
		Header: c.Request.Header,
		Stream: broadcast.IsStreaming(body),
	}

	if req.Stream {
		s.serveStream(c, req)
		return
	}
	s.serveBuffered(c, req)
}

func (s *Server) serveBuffered(c *gin.Context, req *relay.Request) {
	start := time.Now()

	resp, rerr := s.relay.Do(c.Request.Context(), req)
	if rerr != nil {
		s.recordFailure(req, rerr, start)
		writeError(c, rerr)
		return
	}

	s.recordSuccess(req, resp.Provider.Name, resp.Provider.AccountEmail,
		int(gjson.GetBytes(resp.Body, "usage.input_tokens").Int()),
		int(gjson.GetBytes(resp.Body, "usage.output_tokens").Int()),
		start, false, false)

	c.Data(http.StatusOK, "application/json", resp.Body)
}

// serveStream attaches the client to a dedup session (or a private one) and
// copies frames out as SSE. A subscriber whose session fails before any frame
// was delivered gets one independent retry.
func (s *Server) serveStream(c *gin.Context, req *relay.Request) {
	fingerprint := broadcast.Fingerprint(req.Body)

	sub, initiator := s.broadcaster.Attach(fingerprint)
	if sub == nil {
		sub = s.broadcaster.Private()
		initiator = true
	}
	if initiator {
		go s.relay.RunStream(sub.Session(), req)
	} else {
		logrus.Debugf("Joined in-flight session %.12s for model %s", fingerprint, req.Model)
	}

	s.drainToClient(c, req, sub, true, !initiator)
}

// drainToClient writes a subscriber's frames to the client connection.
// retryOnce permits one fallback attempt when the session fails before
// delivering anything.
func (s *Server) drainToClient(c *gin.Context, req *relay.Request, sub *broadcast.Subscriber, retryOnce, deduped bool) {
	defer sub.Session().Detach(sub)

	start := time.Now()
	flusher, _ := c.Writer.(http.Flusher)
	headersSent := false
	var inputTokens, outputTokens int

	for {
		frame, err := sub.Next(c.Request.Context())
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				name, email := sub.Session().Provider()
				s.recordSuccess(req, name, email, inputTokens, outputTokens, start, true, deduped)
				return

			case c.Request.Context().Err() != nil:
				// Client went away; the session keeps running for others.
				logrus.Debugf("Client disconnected after %d frames", sub.Delivered())
				return

			default:
				rerr := asRelayError(err)
				if sub.Delivered() == 0 && retryOnce && rerr.Retryable() {
					sub.Session().Detach(sub)
					logrus.Debugf("Session failed before first frame, retrying independently: %v", err)
					fresh := s.broadcaster.Private()
					go s.relay.RunStream(fresh.Session(), req)
					s.drainToClient(c, req, fresh, false, false)
					return
				}
				s.recordFailure(req, rerr, start)
				if !headersSent {
					writeError(c, rerr)
					return
				}
				// Mid-stream failure: the status line is long gone, surface
				// the error as a terminal SSE event.
				sse.WriteFrame(c.Writer, flusher, errorFrame(rerr))
				return
			}
		}

		if !headersSent {
			sse.WriteHeaders(c.Writer)
			c.Writer.WriteHeader(http.StatusOK)
			headersSent = true
		}
		if frame.Event == "message_delta" {
			if v := gjson.GetBytes(frame.Data, "usage.input_tokens"); v.Exists() {
				inputTokens = int(v.Int())
			}
			if v := gjson.GetBytes(frame.Data, "usage.output_tokens"); v.Exists() {
				outputTokens = int(v.Int())
			}
		}
		if err := sse.WriteFrame(c.Writer, flusher, frame); err != nil {
			logrus.Debugf("Client write failed after %d frames: %v", sub.Delivered(), err)
			return
		}
	}
}

// handleCountTokens serves POST /v1/messages/count_tokens.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, &typ.RelayError{Kind: typ.KindClientRequest, Message: "reading request body"})
		return
	}

	n, err := s.counter.Count(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		writeError(c, &typ.RelayError{Kind: typ.KindClientRequest, Message: err.Error(), Err: err})
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": n})
}

// asRelayError normalizes any error into a RelayError.
func asRelayError(err error) *typ.RelayError {
	var rerr *typ.RelayError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &typ.RelayError{Kind: typ.KindUpstreamServer, Message: err.Error(), Err: err}
}

// writeError renders the Anthropic-style error body.
func writeError(c *gin.Context, rerr *typ.RelayError) {
	body := gin.H{
		"type": "error",
		"error": gin.H{
			"type":    string(rerr.Kind),
			"message": rerr.Message,
		},
	}
	if rerr.UpstreamBody != "" {
		body["error"].(gin.H)["upstream_body"] = rerr.UpstreamBody
	}
	c.JSON(rerr.ClientStatus(), body)
}

// errorFrame renders a terminal SSE error event for mid-stream failures.
func errorFrame(rerr *typ.RelayError) sse.Frame {
	data, _ := sse.MarshalErrorEvent(string(rerr.Kind), rerr.Message)
	return sse.Frame{Event: "error", Data: data}
}

func (s *Server) recordSuccess(req *relay.Request, providerName, accountEmail string, in, out int, start time.Time, streamed, deduped bool) {
	if s.usage == nil {
		return
	}
	rec := &record.UsageRecord{
		ProviderName: providerName,
		AccountEmail: accountEmail,
		RequestModel: req.Model,
		InputTokens:  in,
		OutputTokens: out,
		Status:       "success",
		LatencyMs:    int(time.Since(start).Milliseconds()),
		Streamed:     streamed,
		Deduped:      deduped,
	}
	go func() {
		if err := s.usage.Record(rec); err != nil {
			logrus.Debugf("Usage record failed: %v", err)
		}
	}()
}

func (s *Server) recordFailure(req *relay.Request, rerr *typ.RelayError, start time.Time) {
	if s.usage == nil {
		return
	}
	rec := &record.UsageRecord{
		RequestModel: req.Model,
		Status:       "error",
		ErrorKind:    string(rerr.Kind),
		LatencyMs:    int(time.Since(start).Milliseconds()),
		Streamed:     req.Stream,
	}
	go func() {
		if err := s.usage.Record(rec); err != nil {
			logrus.Debugf("Usage record failed: %v", err)
		}
	}()
}
