package handler

import (
	"encoding/json"
	"fmt"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/stage"
)

// Stage payloads are tagged variants decoded at the handler boundary; the
// consumption core itself never parses them. A payload that does not decode
// for its stage is poison and goes straight to the dead-letter store.

// CollectRequest asks the collect stage to pull posts from one source.
type CollectRequest struct {
	Source string `json:"source"` // "reddit", "rss", "mastodon"
	Feed   string `json:"feed"`
	Limit  int    `json:"limit,omitempty"`
}

// ProcessRequest asks the process stage to run the model over one post.
type ProcessRequest struct {
	ContentID string `json:"content_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	SourceURL string `json:"source_url,omitempty"`
}

// RenderRequest asks the render stage to turn one processed post into
// markdown.
type RenderRequest struct {
	ContentID string `json:"content_id"`
	Generated string `json:"generated"`
	Slug      string `json:"slug,omitempty"`
}

// PublishRequest asks the publish stage to rebuild the site with a set of
// rendered pages.
type PublishRequest struct {
	BuildID string   `json:"build_id"`
	Paths   []string `json:"paths"`
}

// Decode validates a payload against its stage's variant. The decoded value
// is returned for callers that want it; the consumer only cares whether the
// payload is poison.
func Decode(stageName string, payload []byte) (interface{}, error) {
	dec := func(v interface{}) error {
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty payload", message.ErrPoisonMessage)
		}
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("%w: %v", message.ErrPoisonMessage, err)
		}
		return nil
	}

	switch stageName {
	case stage.Collect:
		var req CollectRequest
		if err := dec(&req); err != nil {
			return nil, err
		}
		if req.Source == "" || req.Feed == "" {
			return nil, fmt.Errorf("%w: collect request missing source or feed", message.ErrPoisonMessage)
		}
		return &req, nil
	case stage.Process:
		var req ProcessRequest
		if err := dec(&req); err != nil {
			return nil, err
		}
		if req.ContentID == "" {
			return nil, fmt.Errorf("%w: process request missing content_id", message.ErrPoisonMessage)
		}
		return &req, nil
	case stage.Render:
		var req RenderRequest
		if err := dec(&req); err != nil {
			return nil, err
		}
		if req.ContentID == "" {
			return nil, fmt.Errorf("%w: render request missing content_id", message.ErrPoisonMessage)
		}
		return &req, nil
	case stage.Publish:
		var req PublishRequest
		if err := dec(&req); err != nil {
			return nil, err
		}
		if req.BuildID == "" {
			return nil, fmt.Errorf("%w: publish request missing build_id", message.ErrPoisonMessage)
		}
		return &req, nil
	}
	return nil, fmt.Errorf("unknown stage %q", stageName)
}
