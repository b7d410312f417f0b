package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/devserver"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"gopkg.in/yaml.v3"
)

type completerConfig interface {
	completer(logger *slog.Logger) (devserver.Completer, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port      string            `yaml:"port"`
	LogLevel  string            `yaml:"logLevel"`
	Secret    string            `yaml:"secret"`
	TokenTTL  time.Duration     `yaml:"tokenTTL"`
	Users     map[string]string `yaml:"users"`
	ChatBases []chatBaseConfig  `yaml:"chatBases"`
	LLM       completerConfig   `yaml:"llm"`
}

type chatBaseConfig struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	AppID      string `yaml:"appId"`
	Greeting   string `yaml:"greeting"`
	RolePrompt string `yaml:"rolePrompt"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string               `yaml:"apiKey"`
	BaseURL       string               `yaml:"baseURL"`
	Parameters    devserver.Parameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type echoConfig struct{}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port      string            `yaml:"port"`
		LogLevel  string            `yaml:"logLevel"`
		Secret    string            `yaml:"secret"`
		TokenTTL  time.Duration     `yaml:"tokenTTL"`
		Users     map[string]string `yaml:"users"`
		ChatBases []chatBaseConfig  `yaml:"chatBases"`
		LLM       map[string]any    `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.Secret = rawConfig.Secret
	c.TokenTTL = rawConfig.TokenTTL
	c.Users = rawConfig.Users
	c.ChatBases = rawConfig.ChatBases

	if len(rawConfig.LLM) == 0 {
		c.LLM = echoConfig{}
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm completerConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "echo":
		c.LLM = echoConfig{}
		return nil
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (c config) options(logger *slog.Logger) (devserver.Options, error) {
	secret := c.Secret
	if secret == "" {
		secret = os.Getenv("DEVSERVER_SECRET")
	}
	if secret == "" {
		return devserver.Options{}, fmt.Errorf("secret is required")
	}

	completer, err := c.LLM.completer(logger)
	if err != nil {
		return devserver.Options{}, err
	}

	chatBases := make([]models.ChatBase, len(c.ChatBases))
	for i, cb := range c.ChatBases {
		chatBases[i] = models.ChatBase{
			ID:         cb.ID,
			Name:       cb.Name,
			AppID:      cb.AppID,
			Greeting:   cb.Greeting,
			RolePrompt: cb.RolePrompt,
			Status:     models.ChatBaseActive,
		}
	}

	return devserver.Options{
		Users:     c.Users,
		Secret:    []byte(secret),
		TokenTTL:  c.TokenTTL,
		ChatBases: chatBases,
		Completer: completer,
	}, nil
}

func (o ollamaConfig) completer(*slog.Logger) (devserver.Completer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return devserver.NewOllama(host, o.Model)
}

func (o openAIConfig) completer(logger *slog.Logger) (devserver.Completer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := o.BaseURL
	if baseURL == "" && o.Provider == "openrouter" {
		baseURL = "https://openrouter.ai/api/v1"
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
	}
	return devserver.NewOpenAI(apiKey, baseURL, o.Model, o.Parameters, logger), nil
}

func (a anthropicConfig) completer(*slog.Logger) (devserver.Completer, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return devserver.NewAnthropic(apiKey, a.Endpoint, a.Model, a.MaxTokens), nil
}

func (echoConfig) completer(*slog.Logger) (devserver.Completer, error) {
	return devserver.Echo{}, nil
}

func loadConfig(path string) (config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8081"
	}
	return cfg, nil
}
