package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

// errMissingCredential marks configs whose API key resolved empty after
// env expansion. Such configs are skipped rather than failing the load.
var errMissingCredential = errors.New("llm: missing credential")

// Config declares one provider and the model names it serves.
type Config struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "gemini".
	Provider string `json:"provider" yaml:"provider"`

	// APIKey may reference an env var: "$ARK_API_KEY" or "${ARK_API_KEY}".
	APIKey string `json:"api_key" yaml:"api_key"`

	// BaseURL overrides the provider endpoint. Used for Ark/Doubao and
	// other OpenAI-compatible services.
	BaseURL string `json:"base_url,omitzero" yaml:"base_url,omitzero"`

	Models []ModelEntry `json:"models" yaml:"models"`
}

// ModelEntry binds a registration pattern to an upstream model.
type ModelEntry struct {
	// Name is the Mux pattern, e.g. "openai/gpt-4o-mini" or "ark/#".
	Name string `json:"name" yaml:"name"`

	// Model is the upstream model identifier.
	Model string `json:"model" yaml:"model"`

	Params        *Params        `json:"params,omitzero" yaml:"params,omitzero"`
	UseSystemRole bool           `json:"use_system_role,omitzero" yaml:"use_system_role,omitzero"`
	ExtraFields   map[string]any `json:"extra_fields,omitzero" yaml:"extra_fields,omitzero"`
}

// LoadDir walks dir recursively, parsing every .json/.yaml/.yml config and
// registering its models on the mux. Configs whose credentials resolve
// empty are skipped with a log line so a checkout without every provider
// key still starts. Returns the registered model names.
func LoadDir(mux *Mux, dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		cfg, err := parseConfig(path)
		if err != nil {
			return fmt.Errorf("llm: parse %s: %w", path, err)
		}
		got, err := Register(mux, *cfg)
		if err != nil {
			if errors.Is(err, errMissingCredential) {
				slog.Info("llm: skipping config without credentials", "path", path)
				return nil
			}
			return fmt.Errorf("llm: register %s: %w", path, err)
		}
		names = append(names, got...)
		return nil
	})
	return names, err
}

func parseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Register creates the provider client for cfg and registers every model
// entry on the mux.
func Register(mux *Mux, cfg Config) ([]string, error) {
	key := expandEnv(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("%w: provider %s", errMissingCredential, cfg.Provider)
	}

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return registerOpenAI(mux, cfg, key)
	case "gemini":
		return registerGemini(mux, cfg, key)
	default:
		return nil, fmt.Errorf("llm: unknown provider: %s", cfg.Provider)
	}
}

func registerOpenAI(mux *Mux, cfg Config, key string) ([]string, error) {
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	var names []string
	for _, m := range cfg.Models {
		if m.Name == "" || m.Model == "" {
			return nil, fmt.Errorf("llm: model entry missing name or model")
		}
		if err := mux.Handle(m.Name, &OpenAI{
			Client:        &client,
			Model:         m.Model,
			UseSystemRole: m.UseSystemRole,
			Params:        m.Params,
			ExtraFields:   m.ExtraFields,
		}); err != nil {
			return nil, err
		}
		names = append(names, m.Name)
	}
	return names, nil
}

func registerGemini(mux *Mux, cfg Config, key string) ([]string, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: gemini client: %w", err)
	}

	var names []string
	for _, m := range cfg.Models {
		if m.Name == "" || m.Model == "" {
			return nil, fmt.Errorf("llm: model entry missing name or model")
		}
		if err := mux.Handle(m.Name, &Gemini{
			Client: client,
			Model:  m.Model,
			Params: m.Params,
		}); err != nil {
			return nil, err
		}
		names = append(names, m.Name)
	}
	return names, nil
}

// expandEnv resolves values like "$VAR" or "${VAR}" against the
// environment. Values not starting with "$" pass through unchanged.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
