package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/charli-chat/charli-chat/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAdminUser       = "admin"
	defaultAssistantUserId = "chat-bot"
	defaultAssistantModel  = "gpt-4.1-nano"
	defaultContextSize     = 7
	defaultMaxTokens       = 1024
	defaultHistorySize     = 20

	defaultSystemPrompt = `You are a helpful and friendly AI assistant named "Char-Li".
Be nice, motivating and inspiring. This chat room can have multiple users,
the context messages are labeled with their authors. Be curious about the
user of the prompt if you lack context and ask questions to engage them.
Do not start your response with [Char-Li]:`
)

// Config is the global configuration object, filled from the TOML
// configuration file(s) with env-var overrides (prefix CHARLI_).
type Config struct {
	ServerConfig      ServerConfig      `mapstructure:"server"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	JWTConfig         JWTConfig         `mapstructure:"jwt"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	AssistantConfig   AssistantConfig   `mapstructure:"assistant"`
	LogLevel          string            `mapstructure:"log_level"`
	AdminUser         string            `mapstructure:"admin_user"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	SSLCert string `mapstructure:"ssl_cert"`
	SSLKey  string `mapstructure:"ssl_key"`
}

// HistoryConfig sizes the recent-message slice included in room snapshots.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// An OIDCConfig block configures one OpenID Connect provider accepted at the
// websocket handshake. Clients present an ID token plus the provider name,
// authentication is performed by verifying the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// JWTConfig configures verification of first-party HS256 bearer tokens.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// PersistenceConfig selects the storage backend. "sqlite" and "postgres" use
// the relational store, "buntdb" the embedded KV store (":memory:" for
// tests). An empty type disables persistence-backed features.
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"` // buntdb only, guards the db file across processes
}

// AssistantConfig configures the streaming completion provider behind the AI
// participant. Provider selection is configuration: any OpenAI-compatible
// endpoint works via BaseUrl (api.openai.com, api.deepseek.com, ...).
type AssistantConfig struct {
	UserId       string `mapstructure:"user_id"`
	BaseUrl      string `mapstructure:"base_url"`
	ApiKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	ContextSize  int    `mapstructure:"context_size"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// Enabled reports whether a completion provider is configured at all.
func (a AssistantConfig) Enabled() bool {
	return a.ApiKey != ""
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("admin-user", "a", "", "id of the admin user")
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	return flagSet
}

// wordSepNormalizeFunc maps flag names (using - as separator) onto config keys.
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in it are concatenated.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("admin_user", defaultAdminUser)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("server.addr", "localhost:8000")
	viper.SetDefault("history.history_size", defaultHistorySize)
	viper.SetDefault("assistant.user_id", defaultAssistantUserId)
	viper.SetDefault("assistant.model", defaultAssistantModel)
	viper.SetDefault("assistant.max_tokens", defaultMaxTokens)
	viper.SetDefault("assistant.context_size", defaultContextSize)
	viper.SetDefault("assistant.system_prompt", defaultSystemPrompt)
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("CHARLI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config", "error", err)
	}
	return &cfg, nil
}
