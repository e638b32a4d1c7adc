package chunkstore

// config.go defines the internal configuration object and the set of
// functional options passed to Open. Unlike the teacher's generic
// Option[K,V] (arena-cache keys/values are caller-chosen types), chunk
// keys are always a fixed 32-byte BLAKE3 hash, so no type parameter is
// needed here.
//
// All fields get sensible defaults in defaultConfig; options only
// capture pointers to external objects (registry, logger) or override a
// scalar knob.
//
// © 2025 chunkstore authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chronoverse/chunkstore/internal/codec"
)

// Option configures a Store at construction time.
type Option func(*config)

type config struct {
	compression       codec.Compression
	maxChunkSize      int
	rotationThreshold int64
	fsyncEveryWrite   bool

	registry *prometheus.Registry
	logger   *zap.Logger
}

func defaultConfig() *config {
	return &config{
		compression:       codec.CompressionLZ4,
		maxChunkSize:      64 << 20, // 64 MiB, spec §3 edge case ceiling
		rotationThreshold: 512 << 20,
		fsyncEveryWrite:   true,
		logger:            zap.NewNop(),
		registry:          nil,
	}
}

// WithCompression selects the codec applied to chunk payloads before they
// are written to a pack. The default is LZ4.
func WithCompression(c codec.Compression) Option {
	return func(cfg *config) { cfg.compression = c }
}

// WithMaxChunkSize caps the payload size WriteChunk will accept, in
// uncompressed bytes. Chunks above this size fail with a PolicyError
// rather than being written.
func WithMaxChunkSize(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxChunkSize = n
		}
	}
}

// WithRotationThreshold sets the active-pack size, in bytes, past which
// NeedsSeal reports true. A value of 0 disables size-triggered rotation;
// the caller becomes responsible for calling SealActive on its own
// policy.
func WithRotationThreshold(n int64) Option {
	return func(cfg *config) { cfg.rotationThreshold = n }
}

// WithFsyncEveryWrite controls whether WriteChunk fsyncs the active
// pack's `.dat` file after every append (the default, and the only mode
// that satisfies the crash-consistency guarantee of spec §4.8 for each
// individual write). Disabling it trades durability-per-write for
// throughput; callers that do so must call Store.Sync(shard) themselves
// before treating any of that shard's writes as durable.
func WithFsyncEveryWrite(on bool) Option {
	return func(cfg *config) { cfg.fsyncEveryWrite = on }
}

// WithMetrics enables Prometheus metrics collection. Passing nil
// disables metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(cfg *config) { cfg.registry = reg }
}

// WithLogger plugs an external zap.Logger. The store logs each completed
// seal at Info level and each newly written chunk at Debug level; pack
// creation, rotation and corruption events are not logged.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

var (
	errInvalidMaxChunkSize = errors.New("chunkstore: max chunk size must be > 0")
)

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxChunkSize <= 0 {
		return errInvalidMaxChunkSize
	}
	return nil
}
