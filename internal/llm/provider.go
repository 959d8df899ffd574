package llm

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/ActionRAG/internal/config"
)

var (
	ErrNoProviders       = errors.New("no chat providers configured")
	ErrUnknownProvider   = errors.New("unknown chat provider")
	ErrProviderDisabled  = errors.New("chat provider is not configured")
	ErrUnknownModel      = errors.New("unknown chat model")
	ErrTimeout           = errors.New("chat request timed out")
	ErrMalformedResponse = errors.New("malformed LLM response")
)

// Kind selects the request and response shape of a provider.
type Kind int

const (
	KindOllama Kind = iota
	KindOpenAI
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindCustom:
		return "custom"
	default:
		return "ollama"
	}
}

// ParseKind maps a config type string to a Kind. Unknown values are Ollama.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return KindOpenAI
	case "custom":
		return KindCustom
	default:
		return KindOllama
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Overrides replaces provider sampling defaults for a single call.
type Overrides struct {
	Temperature *float64
	Seed        *int
}

// Provider is a resolved chat endpoint. Providers are built once from config
// and are read-only afterwards.
type Provider struct {
	ID              string
	Label           string
	Kind            Kind
	URL             string
	Headers         map[string]string
	Models          []string
	DefaultModel    string
	ResponsePath    string
	RequestTemplate any
	Temperature     float64
	Seed            int
	Timeout         time.Duration

	limiter *rate.Limiter
}

// Enabled reports whether the provider has an endpoint and at least one model.
func (p *Provider) Enabled() bool {
	return p.URL != "" && len(p.Models) > 0
}

// SupportsModel reports whether name is one of the provider's models.
func (p *Provider) SupportsModel(name string) bool {
	for _, m := range p.Models {
		if m == name {
			return true
		}
	}
	return false
}

var envRef = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

func envValue(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}

func substituteEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return envValue(envRef.FindStringSubmatch(m)[1])
	})
}

// ParseModelList splits a comma separated list, dropping blanks and
// duplicates. An empty list falls back to the single fallback model.
func ParseModelList(raw, fallback string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 && fallback != "" {
		return []string{fallback}
	}
	return out
}

// newProvider resolves a config definition against the environment.
func newProvider(def config.ProviderDef, chat config.Chat) *Provider {
	url := def.URL
	if url == "" && def.BaseURL != "" && def.Path != "" {
		url = def.BaseURL + def.Path
	}
	if url == "" {
		url = envValue(def.URLEnv)
	}

	models := def.Models
	if len(models) == 0 {
		models = ParseModelList(envValue(def.ModelsEnv), envValue(def.DefaultModelEnv))
	}

	defaultModel := def.DefaultModel
	if defaultModel == "" {
		defaultModel = envValue(def.DefaultModelEnv)
	}
	if defaultModel == "" && len(models) > 0 {
		defaultModel = models[0]
	}

	kind := ParseKind(def.Type)
	headers := make(map[string]string)
	for k, v := range def.Headers {
		if resolved := substituteEnv(v); resolved != "" {
			headers[k] = resolved
		}
	}
	if key := envValue(def.APIKeyEnv); key != "" && kind == KindOpenAI {
		headers["Authorization"] = "Bearer " + key
	}

	label := def.Label
	if label == "" {
		label = def.ID
	}

	p := &Provider{
		ID:              def.ID,
		Label:           label,
		Kind:            kind,
		URL:             url,
		Headers:         headers,
		Models:          models,
		DefaultModel:    defaultModel,
		ResponsePath:    def.ResponsePath,
		RequestTemplate: def.RequestTemplate,
		Temperature:     resolveFloat(def.TemperatureEnv, def.Temperature, chat.Temperature),
		Seed:            resolveInt(def.SeedEnv, def.Seed, chat.Seed),
		Timeout:         time.Duration(resolveInt(def.TimeoutMSEnv, def.TimeoutMS, chat.TimeoutMS)) * time.Millisecond,
	}
	if def.RateLimit > 0 {
		burst := def.RateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(def.RateLimit), burst)
	}
	return p
}

func resolveFloat(envKey string, direct *float64, fallback float64) float64 {
	if raw := envValue(envKey); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return fallback
	}
	if direct != nil {
		return *direct
	}
	return fallback
}

func resolveInt(envKey string, direct *int, fallback int) int {
	if raw := envValue(envKey); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
		return fallback
	}
	if direct != nil {
		return *direct
	}
	return fallback
}

// Registry holds the configured chat providers.
type Registry struct {
	providers       []*Provider
	defaultProvider string
	client          *Client
}

// NewRegistry builds every configured provider.
func NewRegistry(chat config.Chat) *Registry {
	r := &Registry{client: NewClient()}
	for _, def := range chat.Providers {
		p := newProvider(def, chat)
		if !p.Enabled() {
			log.Printf("Chat provider %q is disabled (url or models missing)", p.ID)
		}
		r.providers = append(r.providers, p)
	}
	r.defaultProvider = strings.TrimSpace(chat.DefaultProvider)
	if r.defaultProvider == "" && len(r.providers) > 0 {
		r.defaultProvider = r.providers[0].ID
	}
	return r
}

// List returns all providers in config order, enabled or not.
func (r *Registry) List() []*Provider {
	return r.providers
}

// Default returns the id used when a request names no provider.
func (r *Registry) Default() string {
	return r.defaultProvider
}

// Lookup finds a provider by id, falling back to the default for an empty
// id. Unlike ResolveProvider it does not require the provider to be enabled.
func (r *Registry) Lookup(requestedID string) (*Provider, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}
	target := strings.TrimSpace(requestedID)
	if target == "" {
		target = r.defaultProvider
	}
	for _, p := range r.providers {
		if p.ID == target {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, target)
}

// ResolveProvider returns an enabled provider for the requested id.
func (r *Registry) ResolveProvider(requestedID string) (*Provider, error) {
	p, err := r.Lookup(requestedID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisabled, p.ID)
	}
	return p, nil
}

// ResolveModel picks the model to use with p.
func (r *Registry) ResolveModel(p *Provider, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if len(p.Models) == 0 {
		if requested != "" {
			return requested, nil
		}
		return p.DefaultModel, nil
	}
	if requested == "" {
		if p.SupportsModel(p.DefaultModel) {
			return p.DefaultModel, nil
		}
		return p.Models[0], nil
	}
	if !p.SupportsModel(requested) {
		return "", fmt.Errorf("%w: %q for provider %q", ErrUnknownModel, requested, p.ID)
	}
	return requested, nil
}
