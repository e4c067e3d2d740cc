package msgsync

import (
	"os"
	"strconv"
	"time"
)

// EventNames are the server-pushed event names the SDK consumes.
type EventNames struct {
	NewMessage  string
	ReadReceipt string
	UnreadTotal string
}

// Config controls how the SDK connects and how often it reconciles.
type Config struct {
	URL              string // push channel, e.g. ws://localhost:8080/hubs/chat
	RESTBaseURL      string // e.g. http://localhost:8080/api
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables; pings keep idle channels alive
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	AutoReconnect      bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	MaxReconnectTries  int // 0 means retry forever

	// ReconcileInterval is the fixed cadence of authoritative unread fetches.
	ReconcileInterval time.Duration
	// RefreshDelay and RecheckDelay stagger the two fetches scheduled
	// after an optimistic change.
	RefreshDelay time.Duration
	RecheckDelay time.Duration

	SeenCapacity int
	Events       EventNames

	// CredentialFile and RedisAddr are read by the demo programs to pick a
	// credstore; the SDK itself only sees the CredentialStore interface.
	CredentialFile string
	RedisAddr      string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		PingInterval:       25 * time.Second,
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		MaxReconnectTries:  10,
		ReconcileInterval:  30 * time.Second,
		RefreshDelay:       300 * time.Millisecond,
		RecheckDelay:       2 * time.Second,
		SeenCapacity:       5000,
		Events: EventNames{
			NewMessage:  "ReceiveMessage",
			ReadReceipt: "MessagesRead",
			UnreadTotal: "UnreadCountUpdated",
		},
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with JOBSETU_* variables.
//
//	JOBSETU_WS_URL              push channel URL
//	JOBSETU_API_URL             REST base URL
//	JOBSETU_RECONCILE_INTERVAL  Go duration, e.g. 30s
//	JOBSETU_CREDENTIAL_FILE     path of the shared session file
//	JOBSETU_REDIS_ADDR          redis address for the shared session store
//	JOBSETU_MAX_RECONNECT       integer, 0 retries forever
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("JOBSETU_WS_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("JOBSETU_API_URL"); v != "" {
		cfg.RESTBaseURL = v
	}
	if v := os.Getenv("JOBSETU_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileInterval = d
		}
	}
	if v := os.Getenv("JOBSETU_MAX_RECONNECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnectTries = n
		}
	}
	cfg.CredentialFile = os.Getenv("JOBSETU_CREDENTIAL_FILE")
	cfg.RedisAddr = os.Getenv("JOBSETU_REDIS_ADDR")
	return cfg
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return NewError(ErrorInvalidConfig, "empty URL")
	case c.ReconcileInterval <= 0:
		return NewError(ErrorInvalidConfig, "reconcile interval must be positive")
	case c.RefreshDelay < 0 || c.RecheckDelay < 0:
		return NewError(ErrorInvalidConfig, "refresh delays must not be negative")
	case c.AutoReconnect && c.ReconnectBaseDelay <= 0:
		return NewError(ErrorInvalidConfig, "reconnect base delay must be positive")
	case c.Events.NewMessage == "":
		return NewError(ErrorInvalidConfig, "new message event name is required")
	}
	return nil
}
