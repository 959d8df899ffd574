package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Chatter sends a conversation to a provider and returns the answer text.
type Chatter interface {
	Chat(ctx context.Context, p *Provider, model string, messages []Message, o *Overrides) (string, error)
}

// Client posts JSON to provider endpoints.
type Client struct {
	http *http.Client
}

// NewClient creates a client. Timeouts come from each provider, not the client.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Chat implements Chatter on top of the registry's HTTP client.
func (r *Registry) Chat(ctx context.Context, p *Provider, model string, messages []Message, o *Overrides) (string, error) {
	return r.client.Chat(ctx, p, model, messages, o)
}

// Chat builds the provider specific body, posts it, and extracts the text.
func (c *Client) Chat(ctx context.Context, p *Provider, model string, messages []Message, o *Overrides) (string, error) {
	if !p.Enabled() {
		return "", fmt.Errorf("%w: %q", ErrProviderDisabled, p.ID)
	}

	temperature, seed := p.Temperature, p.Seed
	if o != nil {
		if o.Temperature != nil {
			temperature = *o.Temperature
		}
		if o.Seed != nil {
			seed = *o.Seed
		}
	}

	body := buildChatBody(p, model, messages, temperature, seed)
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", wrapTimeout(ctx, p, fmt.Errorf("rate limiter: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", wrapTimeout(ctx, p, fmt.Errorf("%s API error: %w", p.ID, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapTimeout(ctx, p, fmt.Errorf("reading %s response: %w", p.ID, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s API returned %d: %s", p.ID, resp.StatusCode, string(respBody))
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("%w: %s returned invalid JSON", ErrMalformedResponse, p.ID)
	}
	return extractChatText(p, decoded), nil
}

func wrapTimeout(ctx context.Context, p *Provider, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, p.ID, p.Timeout)
	}
	return err
}

func buildChatBody(p *Provider, model string, messages []Message, temperature float64, seed int) any {
	switch p.Kind {
	case KindOpenAI:
		return map[string]any{
			"model":       model,
			"messages":    messages,
			"temperature": temperature,
			"seed":        seed,
			"stream":      false,
		}
	case KindCustom:
		if p.RequestTemplate != nil {
			return applyTemplate(p.RequestTemplate, templateContext{
				model:       model,
				messages:    messages,
				temperature: temperature,
				seed:        seed,
			})
		}
		return ollamaBody(model, messages, temperature, seed)
	default:
		return ollamaBody(model, messages, temperature, seed)
	}
}

func ollamaBody(model string, messages []Message, temperature float64, seed int) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
		"options": map[string]any{
			"seed":        seed,
			"temperature": temperature,
		},
	}
}

type templateContext struct {
	model       string
	messages    []Message
	temperature float64
	seed        int
}

var placeholder = regexp.MustCompile(`\{\{(model|temperature|seed)\}\}`)

// applyTemplate walks a decoded template. A string that is exactly
// "{{messages}}" becomes the messages array; other placeholders are
// replaced by their literal string value.
func applyTemplate(value any, tc templateContext) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = applyTemplate(item, tc)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = applyTemplate(item, tc)
		}
		return out
	case string:
		if v == "{{messages}}" {
			return tc.messages
		}
		return placeholder.ReplaceAllStringFunc(v, func(m string) string {
			switch placeholder.FindStringSubmatch(m)[1] {
			case "model":
				return tc.model
			case "temperature":
				return strconv.FormatFloat(tc.temperature, 'f', -1, 64)
			default:
				return strconv.Itoa(tc.seed)
			}
		})
	default:
		return v
	}
}

func extractChatText(p *Provider, resp any) string {
	switch p.Kind {
	case KindOpenAI:
		if s, ok := PathValue(resp, "choices[0].message.content").(string); ok && s != "" {
			return strings.TrimSpace(s)
		}
		s, _ := PathValue(resp, "choices[0].text").(string)
		return strings.TrimSpace(s)
	case KindCustom:
		if p.ResponsePath != "" {
			v := PathValue(resp, p.ResponsePath)
			switch val := v.(type) {
			case nil:
				return ""
			case string:
				return strings.TrimSpace(val)
			default:
				b, err := json.Marshal(val)
				if err != nil {
					return ""
				}
				return string(b)
			}
		}
		s, _ := PathValue(resp, "message.content").(string)
		return strings.TrimSpace(s)
	default:
		s, _ := PathValue(resp, "message.content").(string)
		return strings.TrimSpace(s)
	}
}

var indexSegment = regexp.MustCompile(`\[(\d+)\]`)

// PathValue follows a dotted path with optional [n] indices through decoded
// JSON. Missing segments yield nil.
func PathValue(payload any, path string) any {
	if path == "" {
		return nil
	}
	normalized := indexSegment.ReplaceAllString(path, ".$1")
	current := payload
	for _, part := range strings.Split(normalized, ".") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	return current
}
