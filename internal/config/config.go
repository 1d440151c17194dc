// Package config materializes the process configuration from viper into a
// read-only record consumed by the rest of the bot.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/usubeni/gptrelay/internal/persona"
)

const DefaultPromptTemplate = "你是一个友善的中文群聊助手，需要结合最近的聊天记录进行自然对话。" +
	"以下是群聊最近的消息：\n{history}\n" +
	"请你用简体中文回复{sender}的最新发言：{latest_message}"

const DefaultFallbackReply = "呜呜，暂时无法连接到大模型，请稍后再试呀。"

type OneBot struct {
	WSURL       string
	AccessToken string
}

type Config struct {
	APIKey           string
	Model            string
	APIBase          string
	PromptTemplate   string
	HistoryLimit     int
	CallTimeout      time.Duration
	Temperature      float64
	MaxTokens        int
	ReplyProbability float64
	FallbackReply    string
	BotName          string
	OneBot           OneBot
}

func SetDefaults() {
	viper.SetDefault("openai.model", "gpt-4o-mini")
	viper.SetDefault("openai.api_base", "https://api.openai.com/v1")
	viper.SetDefault("openai.timeout", "15s")
	viper.SetDefault("openai.temperature", 0.7)
	viper.SetDefault("openai.max_tokens", 512)
	viper.SetDefault("prompt.template", DefaultPromptTemplate)
	viper.SetDefault("history.limit", 20)
	viper.SetDefault("reply.probability", 0.0)
	viper.SetDefault("reply.fallback", DefaultFallbackReply)
	viper.SetDefault("bot.name", "机器人")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
}

// FromViper reads the configuration record. When prompt.persona_file is
// set, its body replaces prompt.template.
func FromViper() (Config, error) {
	cfg := Config{
		APIKey:           strings.TrimSpace(viper.GetString("openai.api_key")),
		Model:            viper.GetString("openai.model"),
		APIBase:          strings.TrimRight(viper.GetString("openai.api_base"), "/"),
		PromptTemplate:   viper.GetString("prompt.template"),
		HistoryLimit:     viper.GetInt("history.limit"),
		CallTimeout:      viper.GetDuration("openai.timeout"),
		Temperature:      viper.GetFloat64("openai.temperature"),
		MaxTokens:        viper.GetInt("openai.max_tokens"),
		ReplyProbability: viper.GetFloat64("reply.probability"),
		FallbackReply:    viper.GetString("reply.fallback"),
		BotName:          viper.GetString("bot.name"),
		OneBot: OneBot{
			WSURL:       strings.TrimSpace(viper.GetString("onebot.ws_url")),
			AccessToken: viper.GetString("onebot.access_token"),
		},
	}

	if personaFile := strings.TrimSpace(viper.GetString("prompt.persona_file")); personaFile != "" {
		p, err := persona.Load(personaFile)
		if err != nil {
			return Config{}, err
		}
		cfg.PromptTemplate = p.Template
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = map[string]bool{
	"{history}":        true,
	"{sender}":         true,
	"{latest_message}": true,
}

// Validate enforces the configured ranges and rejects templates carrying
// unknown placeholders, so a bad template fails at startup rather than on
// the first message.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("config: openai.model is required")
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > 50 {
		return fmt.Errorf("config: history.limit must be in [1, 50], got %d", c.HistoryLimit)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: openai.timeout must be > 0, got %s", c.CallTimeout)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config: openai.temperature must be in [0, 2], got %g", c.Temperature)
	}
	if c.MaxTokens < 16 || c.MaxTokens > 4096 {
		return fmt.Errorf("config: openai.max_tokens must be in [16, 4096], got %d", c.MaxTokens)
	}
	if c.ReplyProbability < 0 || c.ReplyProbability > 1 {
		return fmt.Errorf("config: reply.probability must be in [0, 1], got %g", c.ReplyProbability)
	}
	if strings.TrimSpace(c.PromptTemplate) == "" {
		return fmt.Errorf("config: prompt.template must not be empty")
	}
	for _, ph := range placeholderPattern.FindAllString(c.PromptTemplate, -1) {
		if !knownPlaceholders[ph] {
			return fmt.Errorf("config: prompt.template has unknown placeholder %s", ph)
		}
	}
	return nil
}
