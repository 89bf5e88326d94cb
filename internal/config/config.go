// Package config loads and hot-reloads the control plane's
// configuration: chunking, scheduler cadence, worker concurrency, the
// CWS client's connection pool, and the TTLs used by the Secret Cache
// and Lock Manager.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated configuration.
type Config struct {
	ChunkSize int `mapstructure:"chunk_size"`

	SchedulerTick time.Duration `mapstructure:"scheduler_tick"`

	WorkerConcurrencyMin int `mapstructure:"worker_concurrency_min"`
	WorkerConcurrencyMax int `mapstructure:"worker_concurrency_max"`

	CWSMaxConnections int           `mapstructure:"cws_max_connections"`
	CWSMaxPerRoute    int           `mapstructure:"cws_max_per_route"`
	CWSIdleEvict      time.Duration `mapstructure:"cws_idle_evict"`
	CWSValidateAfter  time.Duration `mapstructure:"cws_validate_after_inactivity"`
	CWSConnTTL        time.Duration `mapstructure:"cws_conn_ttl"`
	CWSBaseURL        string        `mapstructure:"cws_base_url"`

	SecretTTL time.Duration `mapstructure:"secret_ttl"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`

	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMult  float64       `mapstructure:"retry_backoff_factor"`

	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	AuditS3Bucket    string `mapstructure:"audit_s3_bucket"`
	AuditS3Provider  string `mapstructure:"audit_s3_provider"`
	AuditS3Endpoint  string `mapstructure:"audit_s3_endpoint"`
	AuditS3Region    string `mapstructure:"audit_s3_region"`
	AuditS3AccessKey string `mapstructure:"audit_s3_access_key"`
	AuditS3SecretKey string `mapstructure:"audit_s3_secret_key"`
	AuditS3Prefix    string `mapstructure:"audit_s3_prefix"`

	HTTPAddr string `mapstructure:"http_addr"`
}

// Defaults mirror spec.md §6 exactly.
func Defaults() Config {
	return Config{
		ChunkSize:            64,
		SchedulerTick:        100 * time.Millisecond,
		WorkerConcurrencyMin: 4,
		WorkerConcurrencyMax: 4,
		CWSMaxConnections:    100,
		CWSMaxPerRoute:       50,
		CWSIdleEvict:         30 * time.Second,
		CWSValidateAfter:     5 * time.Second,
		CWSConnTTL:           5 * time.Minute,
		SecretTTL:            60 * time.Minute,
		LockTTL:              2 * time.Hour,
		RetryMaxAttempts:     3,
		RetryBackoffBase:     5 * time.Second,
		RetryBackoffMult:     2,
		RedisAddr:            "localhost:6379",
		HTTPAddr:             ":8080",
		AuditS3Provider:      "aws",
		AuditS3Prefix:        "worker-logs",
	}
}

// Validate rejects configuration that cannot be used to start the
// process — an INVALID_INPUT style failure, fail-closed.
func (c Config) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be >= 1, got %d", c.ChunkSize)
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("scheduler_tick must be > 0")
	}
	if c.WorkerConcurrencyMin < 1 || c.WorkerConcurrencyMax < c.WorkerConcurrencyMin {
		return fmt.Errorf("worker concurrency bounds invalid: min=%d max=%d", c.WorkerConcurrencyMin, c.WorkerConcurrencyMax)
	}
	if c.CWSMaxPerRoute < 1 || c.CWSMaxConnections < c.CWSMaxPerRoute {
		return fmt.Errorf("cws connection pool bounds invalid")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must be >= 0")
	}
	return nil
}

// reloadable names the keys considered safe to change at runtime. The
// Loader does not consult it: every reload replaces the whole Config and
// hands it to each Subscribe callback, so whether a changed value takes
// effect depends on what those callbacks apply.
var reloadable = map[string]bool{
	"chunk_size":              true,
	"worker_concurrency_min":  true,
	"worker_concurrency_max":  true,
	"retry_max_attempts":      true,
	"retry_backoff_base":      true,
	"retry_backoff_factor":    true,
}

// Loader owns a viper instance, watches the backing file for changes,
// and exposes the current Config via Current(). Callers that need to
// react to a reload can register a Subscribe callback.
type Loader struct {
	v    *viper.Viper
	mu   sync.RWMutex
	cur  Config
	subs []func(Config)
	log  *logrus.Logger
}

// NewLoader reads configFile (if non-empty) merged over defaults and
// ELECTION_-prefixed environment variables, then starts watching the
// file for hot-reloadable changes.
func NewLoader(configFile string, log *logrus.Logger) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix("ELECTION")
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("chunk_size", def.ChunkSize)
	v.SetDefault("scheduler_tick", def.SchedulerTick)
	v.SetDefault("worker_concurrency_min", def.WorkerConcurrencyMin)
	v.SetDefault("worker_concurrency_max", def.WorkerConcurrencyMax)
	v.SetDefault("cws_max_connections", def.CWSMaxConnections)
	v.SetDefault("cws_max_per_route", def.CWSMaxPerRoute)
	v.SetDefault("cws_idle_evict", def.CWSIdleEvict)
	v.SetDefault("cws_validate_after_inactivity", def.CWSValidateAfter)
	v.SetDefault("cws_conn_ttl", def.CWSConnTTL)
	v.SetDefault("secret_ttl", def.SecretTTL)
	v.SetDefault("lock_ttl", def.LockTTL)
	v.SetDefault("retry_max_attempts", def.RetryMaxAttempts)
	v.SetDefault("retry_backoff_base", def.RetryBackoffBase)
	v.SetDefault("retry_backoff_factor", def.RetryBackoffMult)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("audit_s3_provider", def.AuditS3Provider)
	v.SetDefault("audit_s3_prefix", def.AuditS3Prefix)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	l := &Loader{v: v, log: log}
	if err := l.reload(); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := l.reload(); err != nil {
				log.WithError(err).Error("config: hot-reload rejected, keeping previous configuration")
			}
		})
		v.WatchConfig()
	}

	return l, nil
}

func (l *Loader) reload() error {
	if file := l.v.ConfigFileUsed(); file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: re-read %s: %w", file, err)
		}
	}
	var next Config
	if err := l.v.Unmarshal(&next); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}

	l.mu.Lock()
	prev := l.cur
	l.cur = next
	l.mu.Unlock()

	if l.log != nil && prev != (Config{}) {
		l.log.WithField("chunk_size", next.ChunkSize).Info("config: reloaded")
	}

	for _, sub := range l.subs {
		sub(next)
	}
	return nil
}

// Current returns the most recently loaded, validated configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Subscribe registers a callback invoked after every successful reload.
func (l *Loader) Subscribe(fn func(Config)) {
	l.subs = append(l.subs, fn)
}
