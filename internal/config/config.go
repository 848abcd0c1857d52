package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the kiosk daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir      string
	HTTPAddr     string // listen IP; empty listens on all interfaces
	HTTPPort     int
	SIPPort      int
	SIPHostname  string // advertised in Contact and User-Agent
	SIPTransport string // "udp", "tcp" or "both"
	ExternalIP   string // address placed in SDP answers
	RTPPort      int    // local RTP port of the audio stack
	SIPTrace     string // SIP message tracing: "off", "headers" or "full"
	LogLevel     string
	LogFormat    string // "text" or "json"
	JWTSecret    string // hex-encoded 32-byte secret for admin tokens

	// AdminPIN seeds the admin PIN on first start when none is stored.
	AdminPIN string
	// AdmissionTimeout bounds each admission decision. Zero waits.
	AdmissionTimeout time.Duration

	ProviderHost         string
	ProviderPort         int
	ProviderTransport    string
	ProviderUsername     string
	ProviderPassword     string
	ProviderAuthUsername string
	ProviderExpiry       int // requested registration lifetime in seconds

	FCMCredentials  string // service-account JSON for caretaker alerts
	CaretakerTokens string // comma-separated FCM registration tokens
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPAddr         = "127.0.0.1"
	defaultHTTPPort         = 8080
	defaultSIPPort          = 5060
	defaultSIPTransport     = "udp"
	defaultRTPPort          = 40000
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultAdmissionTimeout time.Duration = 0
	defaultProviderPort     = 5060
	defaultProviderExpiry   = 300
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "CALLKIOSK_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callkiosk", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "HTTP API listen IP (empty for all interfaces)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP listen port")
	fs.StringVar(&cfg.SIPHostname, "sip-host", "", "hostname advertised in SIP headers (machine hostname if empty)")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP listen transport (udp, tcp, both)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address announced in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "local RTP port announced in SDP")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", "off", "log SIP messages at debug level (off, headers, full)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin tokens (auto-generated if empty)")
	fs.StringVar(&cfg.AdminPIN, "admin-pin", "", "initial admin PIN, applied only when none is stored")
	fs.DurationVar(&cfg.AdmissionTimeout, "admission-timeout", defaultAdmissionTimeout, "maximum time to decide whether a caller may ring (0 waits)")
	fs.StringVar(&cfg.ProviderHost, "provider-host", "", "SIP provider registrar host (registration disabled if empty)")
	fs.IntVar(&cfg.ProviderPort, "provider-port", defaultProviderPort, "SIP provider registrar port")
	fs.StringVar(&cfg.ProviderTransport, "provider-transport", defaultSIPTransport, "SIP provider transport (udp, tcp)")
	fs.StringVar(&cfg.ProviderUsername, "provider-username", "", "SIP provider account username")
	fs.StringVar(&cfg.ProviderPassword, "provider-password", "", "SIP provider account password")
	fs.StringVar(&cfg.ProviderAuthUsername, "provider-auth-username", "", "SIP provider digest username if different from username")
	fs.IntVar(&cfg.ProviderExpiry, "provider-expiry", defaultProviderExpiry, "requested registration expiry in seconds")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to Firebase service-account JSON for caretaker alerts")
	fs.StringVar(&cfg.CaretakerTokens, "caretaker-tokens", "", "comma-separated FCM tokens of caretaker devices")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, e.g. --provider-host from CALLKIOSK_PROVIDER_HOST.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if setErr := fs.Set(f.Name, val); setErr != nil {
			err = fmt.Errorf("invalid %s: %w", envName(f.Name), setErr)
		}
	})
	return err
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for name, port := range map[string]int{
		"http-port":     c.HTTPPort,
		"sip-port":      c.SIPPort,
		"provider-port": c.ProviderPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.HTTPAddr != "" && net.ParseIP(c.HTTPAddr) == nil {
		return fmt.Errorf("http-addr must be an IP address, got %q", c.HTTPAddr)
	}
	// RTP uses an even port; RTCP takes the next odd one.
	if c.RTPPort < 1024 || c.RTPPort > 65534 || c.RTPPort%2 != 0 {
		return fmt.Errorf("rtp-port must be an even port between 1024 and 65534, got %d", c.RTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	switch c.SIPTransport {
	case "udp", "tcp", "both":
	default:
		return fmt.Errorf("sip-transport must be one of udp, tcp, both; got %q", c.SIPTransport)
	}

	c.SIPTrace = strings.ToLower(c.SIPTrace)
	switch c.SIPTrace {
	case "off", "headers", "full":
	default:
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}

	c.ProviderTransport = strings.ToLower(c.ProviderTransport)
	if c.ProviderTransport != "udp" && c.ProviderTransport != "tcp" {
		return fmt.Errorf("provider-transport must be one of udp, tcp; got %q", c.ProviderTransport)
	}

	if c.AdmissionTimeout < 0 {
		return fmt.Errorf("admission-timeout must not be negative, got %s", c.AdmissionTimeout)
	}

	if c.ProviderHost != "" {
		if c.ProviderUsername == "" {
			return fmt.Errorf("provider-username is required when provider-host is set")
		}
		if c.ProviderExpiry < 60 {
			return fmt.Errorf("provider-expiry must be at least 60 seconds, got %d", c.ProviderExpiry)
		}
	}

	if c.AdminPIN != "" && !validPIN(c.AdminPIN) {
		return fmt.Errorf("admin-pin must be 4 to 12 digits")
	}

	return nil
}

// validPIN reports whether pin is 4 to 12 ASCII digits.
func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 12 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// HTTPListenAddr returns the host:port the HTTP API listens on.
func (c *Config) HTTPListenAddr() string {
	return net.JoinHostPort(c.HTTPAddr, strconv.Itoa(c.HTTPPort))
}

// RegistrationEnabled reports whether a SIP provider is configured.
func (c *Config) RegistrationEnabled() bool {
	return c.ProviderHost != ""
}

// Tokens returns the caretaker FCM tokens.
func (c *Config) Tokens() []string {
	var tokens []string
	for _, t := range strings.Split(c.CaretakerTokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPHost returns the hostname for SIP headers, defaulting to the machine
// hostname.
func (c *Config) SIPHost() string {
	if c.SIPHostname != "" {
		return c.SIPHostname
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to announce in SDP. If ExternalIP is
// configured it is returned directly; otherwise the first non-loopback
// IPv4 address is used, falling back to 127.0.0.1.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
