// Package ops loads the runtime configuration file and resolves it into
// the concrete settings each component consumes.
package ops

import (
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/connector"
	"main/internal/connector/binance"
	"main/internal/oms"
	"main/internal/persist"
	"main/internal/risk"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout. Durations are seconds or
// milliseconds as named; decimals accept JSON strings or numbers.
type FileConfig struct {
	Connector   ConnectorConfig   `json:"connector"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`
	Retry       RetryConfig       `json:"retry"`
	Persistence PersistenceConfig `json:"persistence"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Risk        RiskConfig        `json:"risk"`
	Archive     ArchiveConfig     `json:"archive"`
	Profiling   ProfilingConfig   `json:"profiling"`
}

// ConnectorConfig holds exchange endpoints and credentials. Credentials
// left empty fall back to the BINANCE_API_KEY / BINANCE_SECRET_KEY
// environment variables so keys stay out of the config file.
type ConnectorConfig struct {
	BaseURL    string `json:"baseUrl"`
	StreamURL  string `json:"streamUrl"`
	APIKey     string `json:"apiKey"`
	SecretKey  string `json:"secretKey"`
	RecvWindow int64  `json:"recvWindow"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

type RateLimitConfig struct {
	RequestCapacity int     `json:"requestCapacity"`
	RequestPerSec   float64 `json:"requestPerSec"`
	WeightCapacity  int     `json:"weightCapacity"`
	WeightPerSec    float64 `json:"weightPerSec"`
	OrderCapacity   int     `json:"orderCapacity"`
	OrderPerSec     float64 `json:"orderPerSec"`
}

type RetryConfig struct {
	MaxAttempts  int   `json:"maxAttempts"`
	BackoffMinMs int64 `json:"backoffMinMs"`
	BackoffMaxMs int64 `json:"backoffMaxMs"`
}

type PersistenceConfig struct {
	Dir                 string `json:"dir"`
	SnapshotIntervalSec int64  `json:"snapshotIntervalSec"`
	SnapshotKeep        int    `json:"snapshotKeep"`
	WALQueueSize        int    `json:"walQueueSize"`
	SegmentMaxBytes     int64  `json:"segmentMaxBytes"`
	RetentionMaxAgeSec  int64  `json:"retentionMaxAgeSec"`
	SweepIntervalSec    int64  `json:"sweepIntervalSec"`
}

type ReconcileConfig struct {
	IntervalSec int64 `json:"intervalSec"`
}

// RiskConfig is the on-disk form of the risk limits.
type RiskConfig struct {
	KillSwitch         bool            `json:"killSwitch"`
	MaxOrderQty        decimal.Decimal `json:"maxOrderQty"`
	MaxOrderNotional   decimal.Decimal `json:"maxOrderNotional"`
	MaxPosition        decimal.Decimal `json:"maxPosition"`
	OrderRateLimit     int             `json:"orderRateLimit"`
	OrderRateWindowSec int64           `json:"orderRateWindowSec"`
}

// ArchiveConfig enables the terminal-order archive database.
type ArchiveConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Database   string `json:"database"`
	ConnString string `json:"connString"`
}

type ProfilingConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Connector binance.Config
	RateLimit connector.RateLimitConfig
	Retry     connector.RetryPolicy
	WAL       persist.WALConfig
	Manager   oms.ManagerConfig
	Risk      risk.Config

	PersistDir   string
	SnapshotKeep int

	ArchiveEnabled bool
	Archive        conn.Option

	Profiling ProfilingConfig
}

// Load reads the JSON config file and resolves every section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "parse config")
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	apiKey := cfg.Connector.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("BINANCE_API_KEY")
	}
	secretKey := cfg.Connector.SecretKey
	if secretKey == "" {
		secretKey = os.Getenv("BINANCE_SECRET_KEY")
	}
	if apiKey == "" || secretKey == "" {
		return Loaded{}, errors.New("missing exchange credentials")
	}
	if cfg.Persistence.Dir == "" {
		return Loaded{}, errors.New("persistence.dir is required")
	}

	retry := connector.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BackoffMinMs > 0 {
		retry.Backoff.Min = time.Duration(cfg.Retry.BackoffMinMs) * time.Millisecond
	}
	if cfg.Retry.BackoffMaxMs > 0 {
		retry.Backoff.Max = time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond
	}

	loaded := Loaded{
		Connector: binance.Config{
			BaseURL:    cfg.Connector.BaseURL,
			StreamURL:  cfg.Connector.StreamURL,
			APIKey:     apiKey,
			SecretKey:  secretKey,
			RecvWindow: cfg.Connector.RecvWindow,
			Timeout:    time.Duration(cfg.Connector.TimeoutMs) * time.Millisecond,
		},
		RateLimit: connector.RateLimitConfig{
			RequestCapacity: cfg.RateLimit.RequestCapacity,
			RequestPerSec:   cfg.RateLimit.RequestPerSec,
			WeightCapacity:  cfg.RateLimit.WeightCapacity,
			WeightPerSec:    cfg.RateLimit.WeightPerSec,
			OrderCapacity:   cfg.RateLimit.OrderCapacity,
			OrderPerSec:     cfg.RateLimit.OrderPerSec,
		},
		Retry: retry,
		WAL: persist.WALConfig{
			Dir:             cfg.Persistence.Dir,
			QueueSize:       cfg.Persistence.WALQueueSize,
			SegmentMaxBytes: cfg.Persistence.SegmentMaxBytes,
		},
		Manager: oms.ManagerConfig{
			SnapshotInterval:       time.Duration(cfg.Persistence.SnapshotIntervalSec) * time.Second,
			ReconcileInterval:      time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
			RetentionMaxAge:        time.Duration(cfg.Persistence.RetentionMaxAgeSec) * time.Second,
			RetentionSweepInterval: time.Duration(cfg.Persistence.SweepIntervalSec) * time.Second,
		},
		Risk: risk.Config{
			KillSwitch:       cfg.Risk.KillSwitch,
			MaxOrderQty:      cfg.Risk.MaxOrderQty,
			MaxOrderNotional: cfg.Risk.MaxOrderNotional,
			MaxPosition:      cfg.Risk.MaxPosition,
			OrderRateLimit:   cfg.Risk.OrderRateLimit,
			OrderRateWindow:  time.Duration(cfg.Risk.OrderRateWindowSec) * time.Second,
		},
		PersistDir:     cfg.Persistence.Dir,
		SnapshotKeep:   cfg.Persistence.SnapshotKeep,
		ArchiveEnabled: cfg.Archive.Enabled,
		Archive: conn.Option{
			Host:       cfg.Archive.Host,
			Port:       cfg.Archive.Port,
			User:       cfg.Archive.User,
			Password:   cfg.Archive.Password,
			Database:   cfg.Archive.Database,
			ConnString: cfg.Archive.ConnString,
		},
		Profiling: cfg.Profiling,
	}
	return loaded, nil
}
