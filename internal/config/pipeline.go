package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Pipeline modes.
const (
	ModeInMemory        = "in_memory"
	ModePersistedChunks = "persisted_chunks"
)

// PipelineConfig holds the ingestion and query tunables. It is read from
// pipeline.yml and hot-reloaded on change so batch sizes and timeouts can be
// adjusted without restarting workers.
type PipelineConfig struct {
	Mode          string `mapstructure:"mode"`
	BatchSize     int    `mapstructure:"batch_size"`
	ChunkBytes    int    `mapstructure:"chunk_bytes"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	KeepRaw       bool   `mapstructure:"keep_raw"`
	SoftTimeoutS  int    `mapstructure:"soft_timeout_s"`
	HardTimeoutS  int    `mapstructure:"hard_timeout_s"`
	HighWaterMark int64  `mapstructure:"high_water_mark"`
	TopProducts   int    `mapstructure:"top_products"`
	CacheTTLS     int    `mapstructure:"cache_ttl_s"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode:          ModeInMemory,
		BatchSize:     5000,
		ChunkBytes:    8 << 20,
		MaxAttempts:   3,
		KeepRaw:       false,
		SoftTimeoutS:  3600,
		HardTimeoutS:  3700,
		HighWaterMark: 1000,
		TopProducts:   20,
		CacheTTLS:     300,
	}
}

func (c PipelineConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutS) * time.Second
}

func (c PipelineConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutS) * time.Second
}

func (c PipelineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	def := DefaultPipelineConfig()
	if c.Mode != ModeInMemory && c.Mode != ModePersistedChunks {
		c.Mode = def.Mode
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = def.ChunkBytes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.SoftTimeoutS <= 0 {
		c.SoftTimeoutS = def.SoftTimeoutS
	}
	if c.HardTimeoutS <= c.SoftTimeoutS {
		c.HardTimeoutS = c.SoftTimeoutS + 100
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = def.HighWaterMark
	}
	if c.TopProducts <= 0 {
		c.TopProducts = def.TopProducts
	}
	if c.CacheTTLS <= 0 {
		c.CacheTTLS = def.CacheTTLS
	}
	return c
}

// PipelineHolder serves the current PipelineConfig to concurrent readers.
type PipelineHolder struct {
	current atomic.Value // holds PipelineConfig
}

func NewPipelineHolder() (*PipelineHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/marketdash/config")
	v.AddConfigPath("/etc/marketdash")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	holder := &PipelineHolder{}
	holder.store(v)

	if fileFound {
		v.OnConfigChange(func(fsnotify.Event) {
			holder.store(v)
			log.Printf("pipeline config reloaded: mode=%s batch_size=%d",
				holder.Get().Mode, holder.Get().BatchSize)
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *PipelineHolder) store(v *viper.Viper) {
	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		cfg = DefaultPipelineConfig()
	}
	h.current.Store(cfg.withDefaults())
}

// Get returns the current pipeline configuration snapshot.
func (h *PipelineHolder) Get() PipelineConfig {
	if cfg, ok := h.current.Load().(PipelineConfig); ok {
		return cfg
	}
	return DefaultPipelineConfig()
}

// NewStaticPipelineHolder builds a holder around a fixed config; tests use it.
func NewStaticPipelineHolder(cfg PipelineConfig) *PipelineHolder {
	holder := &PipelineHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}
