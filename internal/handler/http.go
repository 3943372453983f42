package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"

	"go.uber.org/zap"
)

// HTTP invokes the stage's business logic over a callback endpoint. The
// stage service owns fetching, model calls, templating and site builds;
// this adapter only moves bytes and maps the response onto the failure
// taxonomy:
//
//	2xx              → Outcome from the response body
//	422              → poison (the service cannot ever parse this payload)
//	other 4xx        → permanent handler failure
//	5xx, transport   → transient handler failure (retried via redelivery)
//	context deadline → handler timeout
type HTTP struct {
	stage  string
	url    string
	client *http.Client
	logger *log.Logger
}

type callbackResponse struct {
	Success bool               `json:"success"`
	Outputs []message.WorkItem `json:"outputs,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func NewHTTP(stageName, url string, logger *log.Logger) *HTTP {
	return &HTTP{
		stage: stageName,
		url:   url,
		// No client-level timeout: the consumer owns the per-call
		// deadline through ctx, derived from the visibility budget.
		client: &http.Client{},
		logger: logger,
	}
}

func (h *HTTP) Process(ctx context.Context, payload []byte) message.Outcome {
	// Poison is decided locally; no point spending a network call on a
	// payload that can never parse.
	if _, err := Decode(h.stage, payload); err != nil {
		return message.Outcome{Success: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return message.Outcome{Success: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
			return message.Outcome{Success: false, Err: message.ErrHandlerTimeout}
		}
		return message.Outcome{Success: false, Err: fmt.Errorf("call handler: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out callbackResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return message.Outcome{Success: false, Err: fmt.Errorf("decode handler response: %w", err)}
		}
		oc := message.Outcome{Success: out.Success, Outputs: out.Outputs}
		if !out.Success {
			oc.Err = fmt.Errorf("handler reported failure: %s", out.Error)
		}
		return oc
	case resp.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return message.Outcome{Success: false,
			Err: fmt.Errorf("%w: handler rejected payload: %s", message.ErrPoisonMessage, string(body))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		h.logger.Error("Handler returned client error",
			zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return message.Outcome{Success: false,
			Err: fmt.Errorf("handler returned %d: %s", resp.StatusCode, string(body))}
	default:
		return message.Outcome{Success: false,
			Err: fmt.Errorf("handler returned %d", resp.StatusCode)}
	}
}

var _ message.Handler = (*HTTP)(nil)
