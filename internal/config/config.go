package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string
	SearchAPIKey         string
	SearchEndpoint       string
	SearchDepth          string
	SearchMaxResults     int
	SearchTimeout        time.Duration
	SearchCacheSize      int
	SearchQueryPolicy    string
	LLMProvider          string
	LLMModel             string
	LLMBaseURL           string
	OpenAIAPIKey         string
	CreativeTemperature  float64
	HistorianTemperature float64
	LogLevel             string
	LogFile              string
}

const (
	defaultPort                 = "5000"
	defaultSearchEndpoint       = "https://api.tavily.com/search"
	defaultSearchDepth          = "basic"
	defaultSearchMaxResults     = 5
	defaultSearchTimeout        = 10 * time.Second
	defaultSearchCacheSize      = 100
	defaultSearchQueryPolicy    = "input"
	defaultLLMProvider          = "ollama"
	defaultLLMModel             = "llama3"
	defaultCreativeTemperature  = 0.9
	defaultHistorianTemperature = 0.1
	defaultLogLevel             = "info"
)

// envBindings maps config keys to the environment variables that set them,
// in order of precedence.
var envBindings = map[string][]string{
	"port":                {"PORT"},
	"search.api_key":      {"TAVILY_API_KEY", "SEARCH_API_KEY"},
	"search.endpoint":     {"SEARCH_ENDPOINT"},
	"search.depth":        {"SEARCH_DEPTH"},
	"search.max_results":  {"SEARCH_MAX_RESULTS"},
	"search.timeout":      {"SEARCH_TIMEOUT"},
	"search.cache_size":   {"SEARCH_CACHE_SIZE"},
	"search.query_policy": {"SEARCH_QUERY_POLICY"},
	"llm.provider":        {"LLM_PROVIDER"},
	"llm.model":           {"LLM_MODEL"},
	"llm.base_url":        {"LLM_BASE_URL"},
	"llm.openai_api_key":  {"OPENAI_API_KEY"},
	"llm.creative_temp":   {"CREATIVE_TEMPERATURE"},
	"llm.historian_temp":  {"HISTORIAN_TEMPERATURE"},
	"log.level":           {"LOG_LEVEL"},
	"log.file":            {"LOG_FILE"},
}

// Load reads configuration from the environment and, when configFile is
// set, from that YAML file. Environment variables win over the file.
// Missing or unparsable values fall back to defaults.
func Load(configFile string) (Config, error) {
	v := viper.New()
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return Config{
		Port:                 getPort(v, "port", defaultPort),
		SearchAPIKey:         getString(v, "search.api_key", ""),
		SearchEndpoint:       getString(v, "search.endpoint", defaultSearchEndpoint),
		SearchDepth:          getString(v, "search.depth", defaultSearchDepth),
		SearchMaxResults:     getPositiveInt(v, "search.max_results", defaultSearchMaxResults),
		SearchTimeout:        getDuration(v, "search.timeout", defaultSearchTimeout),
		SearchCacheSize:      getPositiveInt(v, "search.cache_size", defaultSearchCacheSize),
		SearchQueryPolicy:    getString(v, "search.query_policy", defaultSearchQueryPolicy),
		LLMProvider:          getString(v, "llm.provider", defaultLLMProvider),
		LLMModel:             getString(v, "llm.model", defaultLLMModel),
		LLMBaseURL:           getString(v, "llm.base_url", ""),
		OpenAIAPIKey:         getString(v, "llm.openai_api_key", ""),
		CreativeTemperature:  getTemperature(v, "llm.creative_temp", defaultCreativeTemperature),
		HistorianTemperature: getTemperature(v, "llm.historian_temp", defaultHistorianTemperature),
		LogLevel:             getString(v, "log.level", defaultLogLevel),
		LogFile:              getString(v, "log.file", ""),
	}, nil
}

func getString(v *viper.Viper, key, fallback string) string {
	if value := strings.TrimSpace(v.GetString(key)); value != "" {
		return value
	}
	return fallback
}

func getPositiveInt(v *viper.Viper, key string, fallback int) int {
	if value := getString(v, key, ""); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getPort(v *viper.Viper, key, fallback string) string {
	value := getString(v, key, "")
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 || parsed > 65535 {
		return fallback
	}
	return strconv.Itoa(parsed)
}

// getDuration accepts Go duration strings or a bare number of seconds.
func getDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	value := getString(v, key, "")
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getTemperature(v *viper.Viper, key string, fallback float64) float64 {
	value := getString(v, key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}
