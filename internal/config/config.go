package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/gagliardetto/solana-go"
)

// 演示模式下的默认链上地址，全部可通过环境变量覆盖。
const (
	DefaultProgramID           = "8Wnd5SSnzjDrFY1Up1Lqwz4QZJvpQcMT3dimQAjZ561Z"
	DefaultDelegationProgramID = "DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"
	DefaultUSDCMint            = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	DefaultProviderWallet      = "9pYyW7Vq8vR1v8yG7XJmK8z9w9hS6z2yL6R1f8gH7J3"
	DefaultDemoWallet          = "5RpYoPx7V1wNmLrHrmxXqsrW8vdECK98eJDTCmZagMF3"
	DefaultRPCURL              = "https://api.devnet.solana.com"
	DefaultEphemeralURL        = "https://devnet-as.magicblock.app"
)

const (
	BackendArk    = "ark"
	BackendOpenAI = "openai"

	LedgerModeRPC    = "rpc"
	LedgerModeMemory = "memory"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Ledger     LedgerConfig
	Session    SessionConfig
	Completion CompletionConfig
	Signer     SignerConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	ledger, err := loadLedgerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Ledger:     ledger,
		Session:    session,
		Completion: loadCompletionConfig(),
		Signer:     loadSignerConfig(server),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 为 CORS 白名单，空表示允许任意来源。
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LocalURL 返回本进程可访问的基础地址。
func (c ServerConfig) LocalURL() string {
	if strings.HasPrefix(c.Addr, ":") {
		return "http://127.0.0.1" + c.Addr
	}
	return "http://" + c.Addr
}

// AIConfig 描述补全网关后端的配置：Ark 或 OpenAI 兼容上游（Ollama / vLLM）。
type AIConfig struct {
	Provider       string
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	UpstreamURL    string
	UpstreamAPIKey string
	UpstreamModel  string
	SystemPrompt   string
}

// Enabled 表示是否提供了 Ark 必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// Backend 解析实际使用的后端；未显式指定时，Ark 凭证齐全则用 Ark。
func (c AIConfig) Backend() string {
	switch c.Provider {
	case BackendArk, BackendOpenAI:
		return c.Provider
	}
	if c.Enabled() {
		return BackendArk
	}
	return BackendOpenAI
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	provider := strings.ToLower(strings.TrimSpace(os.Getenv("AI_PROVIDER")))
	switch provider {
	case "", BackendArk, BackendOpenAI:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	return AIConfig{
		Provider:       provider,
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		UpstreamURL:    getEnvOrDefault("UPSTREAM_URL", "http://localhost:11434"),
		UpstreamAPIKey: strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")),
		UpstreamModel:  getEnvOrDefault("MODEL_NAME", "llama3.2:1b"),
		SystemPrompt:   strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
	}, nil
}

// LedgerConfig 描述链上程序地址与 RPC 端点。
type LedgerConfig struct {
	Mode                string
	RPCURL              string
	EphemeralURL        string
	ProgramID           solana.PublicKey
	DelegationProgramID solana.PublicKey
	Mint                solana.PublicKey
	DemoWallet          solana.PublicKey
	ProviderWallet      solana.PublicKey
	// MemoryFundAmount 为 memory 模式下付款方的初始稳定币余额。
	MemoryFundAmount uint64
	// ConfirmFinalized 为 true 时 setup / close 等待 finalized 而非 confirmed。
	ConfirmFinalized bool
}

func loadLedgerConfig() (LedgerConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("LEDGER_MODE", LedgerModeRPC))
	if mode != LedgerModeRPC && mode != LedgerModeMemory {
		return LedgerConfig{}, fmt.Errorf("invalid LEDGER_MODE value %q", mode)
	}

	cfg := LedgerConfig{
		Mode:         mode,
		RPCURL:       getEnvOrDefault("SOLANA_RPC_URL", DefaultRPCURL),
		EphemeralURL: getEnvOrDefault("EPHEMERAL_RPC_URL", DefaultEphemeralURL),
	}

	keys := []struct {
		env      string
		fallback string
		target   *solana.PublicKey
	}{
		{"PROGRAM_ID", DefaultProgramID, &cfg.ProgramID},
		{"DELEGATION_PROGRAM_ID", DefaultDelegationProgramID, &cfg.DelegationProgramID},
		{"USDC_MINT", DefaultUSDCMint, &cfg.Mint},
		{"DEMO_WALLET", DefaultDemoWallet, &cfg.DemoWallet},
		{"PROVIDER_WALLET", DefaultProviderWallet, &cfg.ProviderWallet},
	}
	for _, k := range keys {
		key, err := parsePublicKeyEnv(k.env, k.fallback)
		if err != nil {
			return LedgerConfig{}, err
		}
		*k.target = key
	}

	fund, err := parseUintEnv("MEMORY_FUND_AMOUNT", 100_000_000)
	if err != nil {
		return LedgerConfig{}, err
	}
	cfg.MemoryFundAmount = fund

	finalized, err := parseBoolEnv("LEDGER_CONFIRM_FINALIZED", false)
	if err != nil {
		return LedgerConfig{}, err
	}
	cfg.ConfirmFinalized = finalized
	return cfg, nil
}

// SessionConfig 描述计费会话策略。
type SessionConfig struct {
	Deposit      uint64
	Rate         uint64
	IdleTimeout  time.Duration
	BatchSize    int
	Strategy     string
	MaxInflight  int
	PollInterval time.Duration
	Model        string
}

func loadSessionConfig() (SessionConfig, error) {
	deposit, err := parseUintEnv("SESSION_DEPOSIT", 1_000_000)
	if err != nil {
		return SessionConfig{}, err
	}
	rate, err := parseUintEnv("SESSION_RATE", 100)
	if err != nil {
		return SessionConfig{}, err
	}
	idle, err := parseDurationEnv("SESSION_IDLE_TIMEOUT", 15*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}
	poll, err := parseDurationEnv("BALANCE_POLL_INTERVAL", 15*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	batch := 10
	if override, err := parseOptionalIntEnv("USAGE_BATCH_SIZE"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			batch = 1
		} else {
			batch = *override
		}
	}

	inflight := 8
	if override, err := parseOptionalIntEnv("USAGE_MAX_INFLIGHT"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		inflight = *override
	}

	return SessionConfig{
		Deposit:      deposit,
		Rate:         rate,
		IdleTimeout:  idle,
		BatchSize:    batch,
		Strategy:     getEnvOrDefault("USAGE_STRATEGY", "batched"),
		MaxInflight:  inflight,
		PollInterval: poll,
		Model:        getEnvOrDefault("COMPLETION_MODEL", "llama3.2:1b"),
	}, nil
}

// CompletionConfig 描述下游补全网关。
type CompletionConfig struct {
	BaseURL string
	APIKey  string
}

func loadCompletionConfig() CompletionConfig {
	return CompletionConfig{
		BaseURL: getEnvOrDefault("ZEROROUTER_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("ZEROROUTER_API_KEY")),
	}
}

// SignerConfig 描述远程签名端点与服务端托管私钥。
type SignerConfig struct {
	URL        string
	Secret     string
	AuthSecret string
}

func loadSignerConfig(server ServerConfig) SignerConfig {
	return SignerConfig{
		URL:        getEnvOrDefault("SIGNER_URL", server.LocalURL()+"/api/sign"),
		Secret:     strings.TrimSpace(os.Getenv("DEMO_WALLET_SECRET")),
		AuthSecret: strings.TrimSpace(os.Getenv("SIGNER_AUTH_SECRET")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseUintEnv(key string, defaultValue uint64) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseUint(strings.ReplaceAll(raw, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 同时接受 "15s" 这类时长和纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parsePublicKeyEnv(key, defaultValue string) (solana.PublicKey, error) {
	raw := getEnvOrDefault(key, defaultValue)
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return pk, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
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
