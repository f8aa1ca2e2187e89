package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration 表示凭证或外部端点配置有误，必须在连接前修正。
var ErrConfiguration = errors.New("configuration error")

// DefaultRetrievalContext 检索问题外层包裹的领域上下文。
const DefaultRetrievalContext = "You are an assistant answering questions about the owner's vehicle. " +
	"Answer briefly using only the owner's manual and say so when the manual does not cover the question."

// DefaultVoiceDescription 语音合成使用的默认音色描述。
const DefaultVoiceDescription = "A calm, friendly assistant speaking clearly at a relaxed pace."

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	EVI       EVIConfig
	Retrieval RetrievalConfig
	Synthesis SynthesisConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	evi, err := loadEVIConfig()
	if err != nil {
		return nil, err
	}

	retrieval, err := loadRetrievalConfig()
	if err != nil {
		return nil, err
	}

	synthesis, err := loadSynthesisConfig(evi.APIKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		EVI:       evi,
		Retrieval: retrieval,
		Synthesis: synthesis,
		Log:       loadLogConfig(),
	}, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 校验字段格式以及凭证互斥规则，失败时返回包装了 ErrConfiguration 的错误。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q validation", ErrConfiguration, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if err := c.Retrieval.validateComplete(); err != nil {
		return err
	}
	return c.EVI.validateCredentials()
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `validate:"required"`
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// EVIConfig 描述语音情绪会话的连接配置。
type EVIConfig struct {
	APIKey       string
	AccessToken  string
	SecretKey    string
	ConfigID     string
	Host         string        `validate:"required,hostname_rfc1123|hostname_port"`
	DialTimeout  time.Duration `validate:"gt=0"`
	PingInterval time.Duration `validate:"gt=0"`
	DialRetries  int           `validate:"gte=1,lte=10"`
}

// FetchesToken 表示需要先用 API Key + Secret Key 换取访问令牌。
func (c EVIConfig) FetchesToken() bool {
	return c.SecretKey != ""
}

func (c EVIConfig) validateCredentials() error {
	switch {
	case c.FetchesToken() && c.APIKey == "":
		return fmt.Errorf("%w: HUME_SECRET_KEY requires HUME_API_KEY", ErrConfiguration)
	case c.FetchesToken() && c.AccessToken != "":
		return fmt.Errorf("%w: HUME_ACCESS_TOKEN cannot be combined with HUME_SECRET_KEY", ErrConfiguration)
	case c.FetchesToken():
		return nil
	case c.APIKey != "" && c.AccessToken != "":
		return fmt.Errorf("%w: set exactly one of HUME_API_KEY or HUME_ACCESS_TOKEN, not both", ErrConfiguration)
	case c.APIKey == "" && c.AccessToken == "":
		return fmt.Errorf("%w: HUME_API_KEY or HUME_ACCESS_TOKEN is required", ErrConfiguration)
	}
	return nil
}

func loadEVIConfig() (EVIConfig, error) {
	dialTimeout, err := parseDurationEnv("EVI_DIAL_TIMEOUT", 15*time.Second)
	if err != nil {
		return EVIConfig{}, err
	}

	pingInterval, err := parseDurationEnv("EVI_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return EVIConfig{}, err
	}

	retries := 3
	if override, err := parseOptionalIntEnv("EVI_DIAL_RETRIES"); err != nil {
		return EVIConfig{}, err
	} else if override != nil {
		retries = *override
	}

	return EVIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("HUME_API_KEY")),
		AccessToken:  strings.TrimSpace(os.Getenv("HUME_ACCESS_TOKEN")),
		SecretKey:    strings.TrimSpace(os.Getenv("HUME_SECRET_KEY")),
		ConfigID:     strings.TrimSpace(os.Getenv("HUME_CONFIG_ID")),
		Host:         getEnvOrDefault("HUME_HOST", "api.hume.ai"),
		DialTimeout:  dialTimeout,
		PingInterval: pingInterval,
		DialRetries:  retries,
	}, nil
}

// RetrievalConfig 描述知识库检索助手配置。
type RetrievalConfig struct {
	APIKey    string
	Assistant string
	BaseURL   string `validate:"omitempty,url"`
	Model     string `validate:"required"`
	Context   string
	Timeout   time.Duration `validate:"gt=0"`
}

// Enabled 表示检索能力是否已配置。
func (c RetrievalConfig) Enabled() bool {
	return c.APIKey != "" && c.Assistant != "" && c.BaseURL != ""
}

// validateComplete 检索配置要么全部留空，要么三项都齐全。
func (c RetrievalConfig) validateComplete() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "RETRIEVAL_API_KEY")
	}
	if c.Assistant == "" {
		missing = append(missing, "RETRIEVAL_ASSISTANT")
	}
	if c.BaseURL == "" {
		missing = append(missing, "RETRIEVAL_BASE_URL")
	}

	if len(missing) == 0 || len(missing) == 3 {
		return nil
	}
	return fmt.Errorf("%w: retrieval is partially configured, missing %s", ErrConfiguration, strings.Join(missing, ", "))
}

func loadRetrievalConfig() (RetrievalConfig, error) {
	timeout, err := parseDurationEnv("RETRIEVAL_TIMEOUT", 60*time.Second)
	if err != nil {
		return RetrievalConfig{}, err
	}

	return RetrievalConfig{
		APIKey:    strings.TrimSpace(os.Getenv("RETRIEVAL_API_KEY")),
		Assistant: strings.TrimSpace(os.Getenv("RETRIEVAL_ASSISTANT")),
		BaseURL:   strings.TrimRight(getEnvOrDefault("RETRIEVAL_BASE_URL", ""), "/"),
		Model:     getEnvOrDefault("RETRIEVAL_MODEL", "gpt-4o"),
		Context:   getEnvOrDefault("RETRIEVAL_CONTEXT", DefaultRetrievalContext),
		Timeout:   timeout,
	}, nil
}

// SynthesisConfig 描述语音合成配置。
type SynthesisConfig struct {
	APIKey           string
	BaseURL          string `validate:"required,url"`
	VoiceDescription string
	CacheTTL         time.Duration `validate:"gte=0"`
	Timeout          time.Duration `validate:"gt=0"`
}

// Enabled 表示是否提供了合成所需的密钥。
func (c SynthesisConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadSynthesisConfig(fallbackKey string) (SynthesisConfig, error) {
	cacheTTL, err := parseDurationEnv("TTS_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return SynthesisConfig{}, err
	}

	timeout, err := parseDurationEnv("TTS_TIMEOUT", 30*time.Second)
	if err != nil {
		return SynthesisConfig{}, err
	}

	// 未单独配置时复用会话的 API Key
	apiKey := strings.TrimSpace(os.Getenv("TTS_API_KEY"))
	if apiKey == "" {
		apiKey = fallbackKey
	}

	return SynthesisConfig{
		APIKey:           apiKey,
		BaseURL:          strings.TrimRight(getEnvOrDefault("TTS_BASE_URL", "https://api.hume.ai"), "/"),
		VoiceDescription: getEnvOrDefault("TTS_VOICE_DESCRIPTION", DefaultVoiceDescription),
		CacheTTL:         cacheTTL,
		Timeout:          timeout,
	}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	File   string
	Format string `validate:"oneof=json console"`
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		File:   getEnvOrDefault("LOG_FILE", ""),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseDurationEnv 同时接受 Go duration 字符串和整数秒。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
