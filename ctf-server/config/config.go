// Package config reads ctf-server settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort     string
	HealthGRPCPort string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	Orchestrator  string
	K8sNamespace  string
	Kubeconfig    string
	DockerNetwork string
	PublicTCPHost string

	Instance InstanceConfig

	MaxSSEConnectionsPerIP int
	SSEConnTTL             time.Duration

	AllowlistExact    []string
	AllowlistPrefixes []string
}

type InstanceConfig struct {
	TTL             time.Duration
	ExtendTTL       time.Duration
	ExtendThreshold time.Duration
	MaxActive       int
	TokenMinTTL     time.Duration
}

const (
	OrchestratorKubernetes = "kubernetes"
	OrchestratorDocker     = "docker"
)

var (
	DefaultAllowlistExact = []string{
		"/api/v1/ctf-status",
		"/api/v1/ctf-events",
		"/api/v1/auth/logout",
		"/api/v1/support",
		"/healthz",
		"/metrics",
	}
	DefaultAllowlistPrefixes = []string{
		"/api/v1/scoreboard",
		"/api/v1/admin/",
	}
)

// Load reads a .env file when present and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		HealthGRPCPort: getEnv("HEALTH_GRPC_PORT", "50061"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		Orchestrator:  strings.ToLower(getEnv("ORCHESTRATOR", OrchestratorKubernetes)),
		K8sNamespace:  getEnv("K8S_CHALLENGE_NAMESPACE", "ctf-challenges"),
		Kubeconfig:    getEnv("KUBECONFIG", ""),
		DockerNetwork: getEnv("CTF_DOCKER_NETWORK", "ctf-challenges"),
		PublicTCPHost: getEnv("PUBLIC_TCP_HOST", "localhost"),

		Instance: InstanceConfig{
			TTL:             getEnvSeconds("INSTANCE_TTL_SECONDS", 3600),
			ExtendTTL:       getEnvSeconds("INSTANCE_EXTEND_TTL_SECONDS", 3600),
			ExtendThreshold: getEnvSeconds("INSTANCE_EXTEND_THRESHOLD_SECONDS", 600),
			MaxActive:       getEnvInt("MAX_ACTIVE_INSTANCES", 50),
			TokenMinTTL:     getEnvSeconds("TOKEN_MIN_TTL_SECONDS", 60),
		},

		MaxSSEConnectionsPerIP: getEnvInt("MAX_SSE_CONNECTIONS_PER_IP", 5),
		SSEConnTTL:             getEnvSeconds("SSE_CONN_TTL_SECONDS", 120),

		AllowlistExact:    getEnvList("CTF_ALLOWLIST_EXACT", DefaultAllowlistExact),
		AllowlistPrefixes: getEnvList("CTF_ALLOWLIST_PREFIXES", DefaultAllowlistPrefixes),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
