package relay

import (
	"os"
	"strconv"
	"strings"
)

// Config carries relay server settings, loaded from the environment.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string

	// JWTSecret enables bearer-token auth on the websocket endpoint when
	// non-empty. Room passwords never reach the relay either way.
	JWTSecret string

	// MDNSName, when non-empty, advertises the relay on the local network
	// under that instance name.
	MDNSName string

	Redis RedisConfig
}

// RedisConfig configures the optional presence mirror. An empty Host
// disables it.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoadConfig reads relay settings from the environment with development
// defaults.
func LoadConfig() *Config {
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		db = 0
	}

	return &Config{
		Port:           getEnv("PORT", "9090"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		MDNSName:       getEnv("MDNS_NAME", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       db,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
