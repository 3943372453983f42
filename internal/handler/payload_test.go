package handler

import (
	"testing"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/stage"
)

func TestDecodeValidPayloads(t *testing.T) {
	cases := map[string]string{
		stage.Collect: `{"source":"rss","feed":"https://example.org/feed.xml","limit":20}`,
		stage.Process: `{"content_id":"abc123","title":"T","body":"B"}`,
		stage.Render:  `{"content_id":"abc123","generated":"# Title"}`,
		stage.Publish: `{"build_id":"build-9","paths":["posts/a.md"]}`,
	}
	for stageName, payload := range cases {
		if _, err := Decode(stageName, []byte(payload)); err != nil {
			t.Errorf("%s: valid payload rejected: %s", stageName, err)
		}
	}
}

func TestDecodePoisonPayloads(t *testing.T) {
	cases := []struct {
		name    string
		stage   string
		payload string
	}{
		{"empty", stage.Collect, ""},
		{"not json", stage.Process, "not-json{"},
		{"collect missing feed", stage.Collect, `{"source":"rss"}`},
		{"process missing content_id", stage.Process, `{"title":"T"}`},
		{"render missing content_id", stage.Render, `{"generated":"x"}`},
		{"publish missing build_id", stage.Publish, `{"paths":[]}`},
		{"wrong field types", stage.Collect, `{"source":1,"feed":2}`},
	}
	for _, tc := range cases {
		_, err := Decode(tc.stage, []byte(tc.payload))
		if err == nil {
			t.Errorf("%s: expected poison error", tc.name)
			continue
		}
		if !message.IsPoison(err) {
			t.Errorf("%s: error not classified as poison: %v", tc.name, err)
		}
	}
}

func TestDecodeUnknownStage(t *testing.T) {
	_, err := Decode("archive", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if message.IsPoison(err) {
		t.Fatal("a misconfigured stage is not the payload's fault")
	}
}
