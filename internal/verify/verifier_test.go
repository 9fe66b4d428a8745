package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/pkg/anthropic"
)

// stubClient answers CreateMessage with a caller-provided function.
type stubClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

func (s *stubClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, req)
}

func textResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
	}
}

// verdictsFor echoes qualifying verdicts for every clinic the prompt
// mentions, so tests can reply to arbitrary batch splits.
func verdictsFor(req anthropic.MessageRequest) string {
	var entries []struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(req.Messages[0].Content), &entries); err != nil {
		return "[]"
	}

	out := "["
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"index": %d, "is_official_site": true, "is_major_chain": false, "normalized_name": %q, "reason": "ok"}`,
			e.Index, e.Name)
	}
	return out + "]"
}

func testClinics(n int) []model.Clinic {
	out := make([]model.Clinic, n)
	for i := range out {
		out[i] = model.Clinic{
			Name:   fmt.Sprintf("クリニック%d", i),
			URL:    fmt.Sprintf("https://clinic%d.example.com", i),
			Region: "渋谷",
		}
	}
	return out
}

func fastOptions() Options {
	return Options{
		Model:          "claude-test",
		BatchSize:      10,
		Concurrency:    2,
		MaxRetries:     1,
		Timeout:        time.Second,
		RequestsPerSec: 1000,
	}
}

func TestVerify_AllQualify(t *testing.T) {
	client := &stubClient{fn: func(_ int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse(verdictsFor(req)), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(3))

	require.Len(t, results, 3)
	for i, r := range results {
		assert.False(t, r.Failed)
		assert.True(t, r.Verdict.Qualifies())
		assert.Equal(t, fmt.Sprintf("クリニック%d", i), r.Clinic.Name)
	}
}

func TestVerify_RequestsDeterministicVerdicts(t *testing.T) {
	var gotTemp *float64
	client := &stubClient{fn: func(_ int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		gotTemp = req.Temperature
		resp := textResponse(verdictsFor(req))
		resp.Usage = anthropic.TokenUsage{InputTokens: 120, OutputTokens: 40}
		return resp, nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(2))

	require.Len(t, results, 2)
	require.NotNil(t, gotTemp)
	assert.Zero(t, *gotTemp)
}

func TestVerify_PreservesInputOrderAcrossBatches(t *testing.T) {
	client := &stubClient{fn: func(_ int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse(verdictsFor(req)), nil
	}}

	opts := fastOptions()
	opts.BatchSize = 4
	v := New(client, opts)

	clinics := testClinics(11)
	results := v.Verify(context.Background(), clinics)

	require.Len(t, results, 11)
	for i, r := range results {
		assert.Equal(t, clinics[i].Name, r.Clinic.Name)
	}
	assert.Equal(t, 3, client.calls)
}

func TestVerify_MajorChainDoesNotQualify(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse(`[{"index": 0, "is_official_site": true, "is_major_chain": true, "normalized_name": "AGAスキンクリニック", "reason": "大手チェーン"}]`), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(1))

	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
	assert.False(t, results[0].Verdict.Qualifies())
	assert.Equal(t, "AGAスキンクリニック", results[0].Verdict.NormalizedName)
}

func TestVerify_NullOfficialSiteQualifies(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse(`[{"index": 0, "is_official_site": null, "is_major_chain": false, "normalized_name": "", "reason": "URLなし"}]`), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(1))

	require.Len(t, results, 1)
	assert.True(t, results[0].Verdict.Qualifies())
	assert.Nil(t, results[0].Verdict.IsOfficialSite)
	// Empty normalized name falls back to the scraped name.
	assert.Equal(t, "クリニック0", results[0].Verdict.NormalizedName)
}

func TestVerify_CodeFencedResponse(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		body := "```json\n" +
			`[{"index": 0, "is_official_site": true, "is_major_chain": false, "normalized_name": "テスト", "reason": "ok"}]` +
			"\n```"
		return textResponse(body), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(1))

	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
	assert.Equal(t, "テスト", results[0].Verdict.NormalizedName)
}

func TestVerify_RetriesMalformedResponse(t *testing.T) {
	client := &stubClient{fn: func(call int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		if call == 1 {
			return textResponse("これはJSONではありません"), nil
		}
		return textResponse(verdictsFor(req)), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(1))

	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
	assert.Equal(t, 2, client.calls)
}

func TestVerify_FailedBatchMarksClinicsNotFatal(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return nil, errors.New("boom")
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(2))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Failed)
		assert.Contains(t, r.Error, "boom")
	}
}

func TestVerify_MissingVerdictMarksClinicFailed(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		// Two clinics in the batch, verdict only for index 0.
		return textResponse(`[{"index": 0, "is_official_site": true, "is_major_chain": false, "normalized_name": "x", "reason": "ok"}]`), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(2))

	require.Len(t, results, 2)
	assert.False(t, results[0].Failed)
	assert.True(t, results[1].Failed)
	assert.Contains(t, results[1].Error, "no verdict")
}

func TestVerify_OutOfRangeIndexIgnored(t *testing.T) {
	client := &stubClient{fn: func(_ int, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse(`[
			{"index": 0, "is_official_site": true, "is_major_chain": false, "normalized_name": "x", "reason": "ok"},
			{"index": 9, "is_official_site": true, "is_major_chain": false, "normalized_name": "y", "reason": "ok"}
		]`), nil
	}}

	v := New(client, fastOptions())
	results := v.Verify(context.Background(), testClinics(1))

	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
}

func TestVerify_EmptyInput(t *testing.T) {
	v := New(&stubClient{}, fastOptions())
	assert.Nil(t, v.Verify(context.Background(), nil))
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `[{"a":1}]`, stripCodeFence("```json\n[{\"a\":1}]\n```"))
	assert.Equal(t, `[{"a":1}]`, stripCodeFence("```\n[{\"a\":1}]\n```"))
	assert.Equal(t, `[{"a":1}]`, stripCodeFence(`[{"a":1}]`))
	assert.Equal(t, `[{"a":1}]`, stripCodeFence("  [{\"a\":1}]  "))
}

func TestSplitBatches(t *testing.T) {
	assert.Equal(t, []batchRange{{0, 4}, {4, 8}, {8, 11}}, splitBatches(11, 4))
	assert.Equal(t, []batchRange{{0, 3}}, splitBatches(3, 10))
	assert.Nil(t, splitBatches(0, 10))
}
