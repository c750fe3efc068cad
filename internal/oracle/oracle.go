// Package oracle provides the judgement functions injected into the fetch and
// dedupe stages: an LLM-backed sufficiency evaluator and equivalence oracle,
// and a pure-code name oracle for runs without an API key.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/dedupe"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/pkg/anthropic"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// maxPromptValue bounds how much of a single payload field is sent.
const maxPromptValue = 4000

const sufficiencySystem = `You check whether scraped web data contains specific fields.
For each required field decide if the data contains a usable value for it.
Respond with JSON only: {"sufficient": true|false, "missing": ["field", ...]}.
"sufficient" is true only when no required field is missing.`

const equivalenceSystem = `You decide whether two records describe the same real-world person or entity.
Names may be abbreviated, reordered or carry titles. Conflicting emails or
affiliations are strong evidence against a match.
Respond with JSON only: {"is_duplicate": true|false, "confidence": 0-100}.`

// Anthropic answers sufficiency and equivalence questions with Claude.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryPolicy
	breaker   *resilience.Breaker
}

// Option configures an Anthropic oracle.
type Option func(*Anthropic)

// WithModel sets the model id.
func WithModel(m string) Option {
	return func(a *Anthropic) {
		if m != "" {
			a.model = m
		}
	}
}

// WithRetry sets the retry policy around each API call.
func WithRetry(p resilience.RetryPolicy) Option {
	return func(a *Anthropic) { a.retry = p }
}

// WithBreaker guards API calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *Anthropic) { a.breaker = b }
}

// NewAnthropic creates an oracle over client.
func NewAnthropic(client anthropic.Client, opts ...Option) (*Anthropic, error) {
	if client == nil {
		return nil, resilience.NewConfigurationError("oracle: anthropic client is required")
	}
	a := &Anthropic{
		client:    client,
		model:     DefaultModel,
		maxTokens: 256,
		retry:     resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = resilience.RetryLogger("anthropic", "oracle")
	}
	return a, nil
}

type sufficiencyAnswer struct {
	Sufficient bool     `json:"sufficient"`
	Missing    []string `json:"missing"`
}

// Sufficient implements fetch.SufficiencyFunc. Missing fields reported by the
// model are restricted to the required set.
func (a *Anthropic) Sufficient(ctx context.Context, data model.Payload, required []string) (bool, []string, error) {
	if len(required) == 0 {
		return true, nil, nil
	}
	prompt := fmt.Sprintf("Required fields: %s\n\nData:\n%s",
		strings.Join(required, ", "), renderPayload(data))

	var ans sufficiencyAnswer
	if err := a.ask(ctx, "sufficiency", sufficiencySystem, prompt, &ans); err != nil {
		return false, nil, err
	}

	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[r] = true
	}
	var missing []string
	for _, m := range ans.Missing {
		if want[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return false, missing, nil
	}
	return ans.Sufficient, nil, nil
}

// Equivalent implements dedupe.Oracle.
func (a *Anthropic) Equivalent(ctx context.Context, x, y model.Item) (dedupe.Verdict, error) {
	prompt := fmt.Sprintf("Record A:\n%s\n\nRecord B:\n%s",
		renderPayload(x.Payload), renderPayload(y.Payload))

	var v dedupe.Verdict
	if err := a.ask(ctx, "equivalence", equivalenceSystem, prompt, &v); err != nil {
		return dedupe.Verdict{}, err
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return dedupe.Verdict{}, eris.Errorf("oracle: confidence %d out of range", v.Confidence)
	}
	return v, nil
}

func (a *Anthropic) ask(ctx context.Context, op, system, prompt string, out any) error {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.CachedSystem(system),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := a.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	}
	if a.breaker != nil {
		inner := call
		call = func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.Call(ctx, a.breaker, inner)
		}
	}

	resp, err := resilience.Execute(ctx, a.retry, call)
	if err != nil {
		return eris.Wrapf(err, "oracle: %s", op)
	}
	resp.Usage.LogCost(zap.L(), a.model, op)

	text := resp.Text()
	if err := json.Unmarshal([]byte(cleanJSON(text)), out); err != nil {
		zap.L().Warn("oracle: unparseable response",
			zap.String("operation", op),
			zap.String("text", truncate(text, 200)),
		)
		return eris.Wrapf(err, "oracle: parse %s response", op)
	}
	return nil
}

// classify maps API failures onto the resilience taxonomy so the retry policy
// only repeats throttling and server errors.
func classify(err error) error {
	if status, ok := anthropic.APIStatus(err); ok {
		return resilience.ClassifyHTTPStatus(err, status)
	}
	return err
}

// renderPayload writes a payload as sorted "key: value" lines.
func renderPayload(p model.Payload) string {
	var sb strings.Builder
	for _, k := range p.Keys() {
		if !p.NonEmpty(k) {
			continue
		}
		var v string
		switch val := p[k].(type) {
		case string:
			v = val
		default:
			b, _ := json.Marshal(val)
			v = string(b)
		}
		fmt.Fprintf(&sb, "%s: %s\n", k, truncate(v, maxPromptValue))
	}
	return sb.String()
}

// cleanJSON strips markdown fences and surrounding prose from a model reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
