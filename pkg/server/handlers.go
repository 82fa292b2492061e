package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mercator-hq/ipquota/internal/generator"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/limits"
	"mercator-hq/ipquota/pkg/telemetry/tracing"

	"go.opentelemetry.io/otel/trace"
)

// Quota decision outcomes recorded per gated request.
const (
	decisionAllowed     = "allowed"
	decisionDenied      = "denied"
	decisionDegraded    = "degraded"
	decisionRolledBack  = "rolled_back"
	decisionUnavailable = "unavailable"
)

// rollbackTimeout bounds a rollback issued after the request context ended.
const rollbackTimeout = 5 * time.Second

// handleGenerate serves POST /v1/generate. One use is consumed before the
// generator runs and returned if the generator fails.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(ctx, w, http.StatusMethodNotAllowed, errorBody(CodeMethodNotAllowed,
			"method "+r.Method+" not allowed, use POST"))
		return
	}

	prompt, status, errResp := s.parseGenerateRequest(w, r)
	if errResp != nil {
		s.writeError(ctx, w, status, *errResp)
		return
	}

	info := s.clientInfo(r)
	ip := info.Normalized
	span := trace.SpanFromContext(ctx)
	tracing.SetClientAttributes(span, info.Source, ip == clientip.Sentinel)

	cfg := s.usage.Config()
	degraded := false

	quota := s.usage.CheckQuota(ctx, ip)
	switch {
	case quota.Error != nil:
		if !s.config.Usage.FailOpenEnabled() {
			s.unavailable(ctx, w, quota.Error)
			return
		}
		s.logger.WarnContext(ctx, "usage check failed, failing open", "error", quota.Error)
		degraded = true
	case !quota.CanUse:
		s.deny(ctx, w, cfg.MaxUsage, quota.ResetTime)
		return
	}

	inc := s.usage.IncrementUsage(ctx, ip)
	charged := inc.Success
	if !inc.Success {
		if inc.Error != nil && inc.Error.Code == limits.CodeUsageLimitExceeded {
			s.deny(ctx, w, cfg.MaxUsage, inc.ResetTime)
			return
		}
		if !s.config.Usage.FailOpenEnabled() {
			s.unavailable(ctx, w, inc.Error)
			return
		}
		s.logger.WarnContext(ctx, "usage increment failed, failing open", "error", inc.Error)
		degraded = true
	}
	degraded = degraded || inc.Degraded

	usage := UsageInfo{
		Limit:          cfg.MaxUsage,
		UsageCount:     inc.UsageCount,
		RemainingCount: inc.RemainingCount,
		ResetTime:      inc.ResetTime,
		CanUse:         inc.RemainingCount > 0,
		Degraded:       degraded,
	}
	tracing.SetQuotaAttributes(span, usage.UsageCount, usage.RemainingCount, true)

	text, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		if charged {
			usage = s.rollback(ctx, ip, usage)
		}
		setLimitHeaders(w, usage.Limit, usage.RemainingCount, usage.ResetTime)
		tracing.SetError(span, err)
		s.logger.ErrorContext(ctx, "generation failed", "error", err, "rolled_back", charged)
		status, resp := generationStatus(ctx, err)
		s.writeError(ctx, w, status, resp)
		return
	}

	if degraded {
		s.recordDecision(decisionDegraded)
	} else {
		s.recordDecision(decisionAllowed)
	}

	setLimitHeaders(w, usage.Limit, usage.RemainingCount, usage.ResetTime)
	if err := writeJSON(w, http.StatusOK, GenerateResponse{Text: text, Usage: usage}); err != nil {
		s.logger.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// handleUsage serves GET /v1/usage with the caller's current quota.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.writeError(ctx, w, http.StatusMethodNotAllowed, errorBody(CodeMethodNotAllowed,
			"method "+r.Method+" not allowed, use GET"))
		return
	}

	info := s.clientInfo(r)
	quota := s.usage.CheckQuota(ctx, info.Normalized)
	if quota.Error != nil {
		s.writeError(ctx, w, http.StatusServiceUnavailable, errorBody(string(quota.Error.Code), quota.Error.Message))
		return
	}

	limit := s.usage.Config().MaxUsage
	setLimitHeaders(w, limit, quota.RemainingCount, quota.ResetTime)
	if err := writeJSON(w, http.StatusOK, UsageInfo{
		Limit:          limit,
		UsageCount:     quota.UsageCount,
		RemainingCount: quota.RemainingCount,
		ResetTime:      quota.ResetTime,
		CanUse:         quota.CanUse,
		Degraded:       quota.Degraded,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

func (s *Server) parseGenerateRequest(w http.ResponseWriter, r *http.Request) (string, int, *ErrorResponse) {
	body := r.Body
	if limit := s.config.Server.MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req GenerateRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			resp := errorBody(CodeRequestTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return "", http.StatusRequestEntityTooLarge, &resp
		}
		resp := errorBody(CodeInvalidJSON, "request body is not valid JSON")
		return "", http.StatusBadRequest, &resp
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		resp := errorBody(CodeInvalidRequest, "prompt is required")
		return "", http.StatusBadRequest, &resp
	}
	return prompt, 0, nil
}

// clientInfo returns the address resolved by the middleware, resolving
// directly when the handler is mounted without it.
func (s *Server) clientInfo(r *http.Request) clientip.Info {
	if info, ok := clientip.FromContext(r.Context()); ok {
		return info
	}
	return s.resolver.ResolveRequest(r)
}

// rollback returns the use charged for this request. It runs detached from
// the request context so a cancelled request still gets its use back.
func (s *Server) rollback(ctx context.Context, ip string, usage UsageInfo) UsageInfo {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	rb := s.usage.RollbackUsage(rctx, ip)
	if !rb.Success {
		s.logger.ErrorContext(ctx, "usage rollback failed", "error", rb.Error)
		return usage
	}

	s.recordDecision(decisionRolledBack)
	usage.UsageCount = rb.UsageCount
	usage.RemainingCount = rb.RemainingCount
	usage.CanUse = rb.RemainingCount > 0
	return usage
}

func (s *Server) deny(ctx context.Context, w http.ResponseWriter, limit int64, reset time.Time) {
	s.recordDecision(decisionDenied)
	tracing.SetQuotaAttributes(trace.SpanFromContext(ctx), limit, 0, false)

	setLimitHeaders(w, limit, 0, reset)
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSeconds(reset, s.now()), 10))

	resp := errorBody(CodeUsageLimitExceeded, "usage limit of "+strconv.FormatInt(limit, 10)+" reached")
	if !reset.IsZero() {
		resetUTC := reset.UTC()
		resp.Error.ResetTime = &resetUTC
	}
	s.writeError(ctx, w, http.StatusTooManyRequests, resp)
}

func (s *Server) unavailable(ctx context.Context, w http.ResponseWriter, uerr *limits.UsageError) {
	s.recordDecision(decisionUnavailable)

	msg := "usage tracking is unavailable"
	if uerr != nil {
		msg = uerr.Message
		s.logger.ErrorContext(ctx, "usage tracking unavailable, failing closed", "error", uerr.Error())
	} else {
		s.logger.ErrorContext(ctx, "usage tracking unavailable, failing closed")
	}
	s.writeError(ctx, w, http.StatusServiceUnavailable, errorBody(CodeDatabaseError, msg))
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, resp ErrorResponse) {
	if err := writeJSON(w, status, resp); err != nil {
		s.logger.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

func (s *Server) recordDecision(outcome string) {
	if s.collector != nil {
		s.collector.RecordQuotaDecision(outcome)
	}
}

// generationStatus maps a generator failure to a response.
func generationStatus(ctx context.Context, err error) (int, ErrorResponse) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorBody(CodeProviderTimeout, "generation timed out")
	}

	var pe *generator.ProviderError
	if errors.As(err, &pe) {
		return http.StatusBadGateway, errorBody(CodeProviderError, pe.Error())
	}
	return http.StatusInternalServerError, errorBody(CodeInternalError, "an internal error occurred")
}
