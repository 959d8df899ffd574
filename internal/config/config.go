package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Config is the fully resolved application configuration. It is built once
// by Load and never mutated afterwards.
type Config struct {
	Qdrant    Qdrant    `yaml:"qdrant"`
	Search    Search    `yaml:"search"`
	Embedding Embedding `yaml:"embedding"`
	Chat      Chat      `yaml:"chat"`
	Analysis  Analysis  `yaml:"analysis"`
	Compare   Compare   `yaml:"compare"`
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Qdrant struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	HTTPS            bool   `yaml:"https"`
	Collection       string `yaml:"collection"`
	DenseVectorName  string `yaml:"dense_vector_name"`
	SparseVectorName string `yaml:"sparse_vector_name"`
	TimeoutMS        int    `yaml:"timeout_ms"`
}

type Search struct {
	Mode          string  `yaml:"mode"`
	TopK          int     `yaml:"top_k"`
	Threshold     float64 `yaml:"threshold"`
	PrefetchLimit int     `yaml:"prefetch_limit"`
	Fusion        string  `yaml:"fusion"`
	BM25          BM25    `yaml:"bm25"`
}

type BM25 struct {
	AvgLen   float64 `yaml:"avg_len"`
	K        float64 `yaml:"k"`
	B        float64 `yaml:"b"`
	Language string  `yaml:"language"`
}

type Embedding struct {
	PythonBin    string `yaml:"python_bin"`
	Script       string `yaml:"script"`
	ModelsDir    string `yaml:"models_dir"`
	DefaultModel string `yaml:"default_model"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type Chat struct {
	DefaultProvider string        `yaml:"default_provider"`
	Temperature     float64       `yaml:"temperature"`
	Seed            int           `yaml:"seed"`
	TimeoutMS       int           `yaml:"timeout_ms"`
	Providers       []ProviderDef `yaml:"providers"`
}

// ProviderDef is a chat provider as written in the config file. Values ending
// in _env name environment variables that are read when the registry is built.
type ProviderDef struct {
	ID              string            `yaml:"id"`
	Label           string            `yaml:"label"`
	Type            string            `yaml:"type"`
	URL             string            `yaml:"url"`
	URLEnv          string            `yaml:"url_env"`
	BaseURL         string            `yaml:"base_url"`
	Path            string            `yaml:"path"`
	Models          []string          `yaml:"models"`
	ModelsEnv       string            `yaml:"models_env"`
	DefaultModel    string            `yaml:"default_model"`
	DefaultModelEnv string            `yaml:"default_model_env"`
	Headers         map[string]string `yaml:"headers"`
	APIKeyEnv       string            `yaml:"api_key_env"`
	ResponsePath    string            `yaml:"response_path"`
	RequestTemplate any               `yaml:"request_template"`
	Temperature     *float64          `yaml:"temperature"`
	TemperatureEnv  string            `yaml:"temperature_env"`
	Seed            *int              `yaml:"seed"`
	SeedEnv         string            `yaml:"seed_env"`
	TimeoutMS       *int              `yaml:"timeout_ms"`
	TimeoutMSEnv    string            `yaml:"timeout_ms_env"`
	RateLimit       float64           `yaml:"rate_limit"`
	RateBurst       int               `yaml:"rate_burst"`
}

type Analysis struct {
	BatchSize int    `yaml:"batch_size"`
	GroupSize int    `yaml:"group_size"`
	TopK      int    `yaml:"top_k"`
	Dir       string `yaml:"dir"`
}

type Compare struct {
	LoRACollection   string `yaml:"lora_collection"`
	OllamaCollection string `yaml:"ollama_collection"`
	OllamaURL        string `yaml:"ollama_url"`
	OllamaModel      string `yaml:"ollama_model"`
	TopK             int    `yaml:"top_k"`
}

type Storage struct {
	Backend      string `yaml:"backend"`
	DataDir      string `yaml:"data_dir"`
	HistoryPath  string `yaml:"history_path"`
	HistoryLimit int    `yaml:"history_limit"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"` // INFO or DEBUG
}

// Debug reports whether log lines should carry their source location, the
// same output --verbose selects.
func (l Logging) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(l.Level), "debug")
}

// ConfigDir returns the XDG config directory for actionrag.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "actionrag")
}

// DataDir returns the XDG data directory for actionrag.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "actionrag")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/actionrag/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'actionrag init' to create a default config",
		xdgConfig,
	)
}

// Load reads .env files next to the config and in the working directory,
// then parses the config YAML and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	loadDotenv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadDotenv loads each existing file. godotenv never overrides variables
// that are already set in the process environment.
func loadDotenv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Qdrant: Qdrant{
			Port:             6333,
			Collection:       "LoRA_epoch_11_75k_data_embeddings",
			DenseVectorName:  "dense",
			SparseVectorName: "bm25",
			TimeoutMS:        300000,
		},
		Search: Search{
			Mode:          "dense",
			TopK:          300,
			Threshold:     0.2,
			PrefetchLimit: 300,
			Fusion:        "server",
			BM25: BM25{
				AvgLen:   52,
				K:        1.2,
				B:        0.75,
				Language: "en",
			},
		},
		Embedding: Embedding{
			PythonBin:    "python",
			Script:       "embed_lora.py",
			ModelsDir:    "models",
			DefaultModel: "epoch_11_75k_data",
			TimeoutMS:    300000,
		},
		Chat: Chat{
			Temperature: 0.0,
			Seed:        101,
			TimeoutMS:   300000,
		},
		Analysis: Analysis{
			BatchSize: 50,
			GroupSize: 100,
			TopK:      1000,
		},
		Compare: Compare{
			LoRACollection:   "hybrid_with_circular_name_lora",
			OllamaCollection: "hybrid_with_circular_name_ollama_custom_model",
			OllamaURL:        "http://localhost:11434",
			OllamaModel:      "nomic-embed-text",
			TopK:             100,
		},
		Storage: Storage{
			Backend:      "jsonl",
			HistoryLimit: 200,
		},
		Server:  Server{Port: 5050},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Chat.Providers) == 0 {
		cfg.Chat.DefaultProvider = "gpt_oss"
		cfg.Chat.Providers = []ProviderDef{{
			ID:              "gpt_oss",
			Label:           "GPT OSS (Ollama)",
			Type:            "ollama",
			URLEnv:          "GPT_OSS_CHAT_URL",
			ModelsEnv:       "GPT_OSS_MODELS",
			DefaultModelEnv: "GPT_OSS_MODEL",
		}}
	}

	return cfg, nil
}

// applyEnv lets the process environment override connection settings.
func applyEnv(cfg *Config) {
	setString(&cfg.Qdrant.Host, "QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
	if v := os.Getenv("QDRANT_HTTPS"); v != "" {
		cfg.Qdrant.HTTPS = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	setString(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")
	setString(&cfg.Qdrant.DenseVectorName, "QDRANT_DENSE_VECTOR_NAME")
	setString(&cfg.Qdrant.SparseVectorName, "QDRANT_SPARSE_VECTOR_NAME")

	setString(&cfg.Search.Mode, "SEARCH_MODE")
	setInt(&cfg.Search.PrefetchLimit, "HYBRID_PREFETCH_LIMIT")
	setFloat(&cfg.Search.BM25.AvgLen, "BM25_AVG_LEN")
	setFloat(&cfg.Search.BM25.K, "BM25_K")
	setFloat(&cfg.Search.BM25.B, "BM25_B")
	setString(&cfg.Search.BM25.Language, "BM25_LANGUAGE")

	setString(&cfg.Embedding.PythonBin, "PYTHON_BIN")
	setString(&cfg.Embedding.DefaultModel, "LORA_MODEL")

	setString(&cfg.Storage.HistoryPath, "CHAT_HISTORY_PATH")
	setInt(&cfg.Storage.HistoryLimit, "CHAT_HISTORY_LIMIT")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return DataDir()
}

// HistoryPath returns the history log location.
func (c *Config) HistoryPath() string {
	if c.Storage.HistoryPath != "" {
		return c.Storage.HistoryPath
	}
	return filepath.Join(c.GetDataDir(), "history.jsonl")
}

// AnalysisDir returns the directory holding one analysis log per record.
func (c *Config) AnalysisDir() string {
	if c.Analysis.Dir != "" {
		return c.Analysis.Dir
	}
	return filepath.Join(c.GetDataDir(), "analysis")
}

// DatabasePath returns the SQLite file used by the sqlite storage backend.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.GetDataDir(), "actionrag.db")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
