package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const DefaultPolicyPath = ".shipbot/policy.json"

// Config is the read-only snapshot handed to the command registry on every
// invocation. It is loaded once at startup and never mutated.
type Config struct {
	Version int `json:"version"`
	Server  struct {
		Addr                   string `json:"addr"`
		ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
	} `json:"server"`
	Store struct {
		RedisURL string `json:"redis_url"`
	} `json:"store"`
	Chat struct {
		PublicKeyHex string `json:"public_key_hex"`
		BotToken     string `json:"bot_token"`
		APIBaseURL   string `json:"api_base_url"`
	} `json:"chat"`
	VCS struct {
		WebhookSecret string `json:"webhook_secret"`
	} `json:"vcs"`
	CI struct {
		APIBaseURL    string `json:"api_base_url"`
		Token         string `json:"token"`
		Repo          string `json:"repo"`
		DefaultBranch string `json:"default_branch"`
	} `json:"ci"`
	Admins       []string        `json:"admins"`
	FeatureFlags map[string]bool `json:"feature_flags"`
	Verify       struct {
		Targets            []HealthTarget `json:"targets"`
		ProbeTimeoutMs     int            `json:"probe_timeout_ms"`
		SoftLatencyMs      int            `json:"soft_latency_ms"`
		DiscoveryWindowSec int            `json:"discovery_window_seconds"`
		PollTimeoutSec     int            `json:"poll_timeout_seconds"`
		PollIntervalSec    int            `json:"poll_interval_seconds"`
	} `json:"verify"`
	Conversation struct {
		TTLSeconds int `json:"ttl_seconds"`
	} `json:"conversation"`
}

type HealthTarget struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	ExpectedStatus int               `json:"expected_status"`
	Headers        map[string]string `json:"headers,omitempty"`
	// CriticalHeaders lists header assertion keys whose failure is a hard
	// fail rather than a warn.
	CriticalHeaders []string `json:"critical_headers,omitempty"`
}

func Default() Config {
	cfg := Config{Version: 1}
	cfg.Server.Addr = ":3002"
	cfg.Server.ShutdownTimeoutSeconds = 5
	cfg.Store.RedisURL = "redis://localhost:6379/0"
	cfg.Chat.APIBaseURL = "https://discord.com/api/v10"
	cfg.CI.APIBaseURL = "https://api.github.com"
	cfg.CI.DefaultBranch = "main"
	cfg.FeatureFlags = map[string]bool{
		"deploy": true,
		"verify": true,
	}
	cfg.Verify.ProbeTimeoutMs = 5000
	cfg.Verify.SoftLatencyMs = 2000
	cfg.Verify.DiscoveryWindowSec = 30
	cfg.Verify.PollTimeoutSec = 60
	cfg.Verify.PollIntervalSec = 5
	cfg.Conversation.TTLSeconds = 300
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if strings.TrimSpace(cfg.Store.RedisURL) == "" {
		return fmt.Errorf("store.redis_url cannot be empty")
	}
	if strings.TrimSpace(cfg.CI.Repo) != "" && len(strings.Split(cfg.CI.Repo, "/")) != 2 {
		return fmt.Errorf("ci.repo must be owner/name")
	}
	if cfg.Verify.ProbeTimeoutMs <= 0 || cfg.Verify.SoftLatencyMs <= 0 {
		return fmt.Errorf("verify probe timeouts must be > 0")
	}
	if cfg.Verify.PollTimeoutSec <= 0 || cfg.Verify.PollIntervalSec <= 0 {
		return fmt.Errorf("verify poll budget must be > 0")
	}
	if cfg.Verify.PollIntervalSec > cfg.Verify.PollTimeoutSec {
		return fmt.Errorf("verify.poll_interval_seconds must be <= poll_timeout_seconds")
	}
	if cfg.Conversation.TTLSeconds <= 0 {
		return fmt.Errorf("conversation.ttl_seconds must be > 0")
	}
	for _, target := range cfg.Verify.Targets {
		if err := ValidateTargetURL(target.URL); err != nil {
			return fmt.Errorf("verify target %q: %w", target.Name, err)
		}
		if target.ExpectedStatus < 100 || target.ExpectedStatus > 599 {
			return fmt.Errorf("verify target %q: expected_status must be a valid HTTP status", target.Name)
		}
	}
	return nil
}

// ValidateTargetURL rejects probe targets that could redirect traffic
// somewhere unsafe: only absolute http/https URLs without userinfo.
func ValidateTargetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	if parsed.User != nil {
		return fmt.Errorf("url must not contain credentials")
	}
	return nil
}

func IsAdmin(cfg Config, actorID string) bool {
	actorID = strings.TrimSpace(actorID)
	for _, admin := range cfg.Admins {
		if strings.TrimSpace(admin) == actorID && actorID != "" {
			return true
		}
	}
	return false
}

func FlagEnabled(cfg Config, name string) bool {
	if name == "" {
		return true
	}
	return cfg.FeatureFlags[name]
}
