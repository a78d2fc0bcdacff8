// Package config loads the engine's runtime parameters from the
// environment, the same getEnv*-helper style the rest of the tree uses.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable the engine, its sources, and the demo host
// need at startup.
type Config struct {
	// Ring/indexer/TSB sizing (§3/§4.2/§4.3/§4.4).
	ChunkSize         int    // bytes per posted chunk
	IngressPoolCount  int    // producer buffers in the ingress pool
	IngressBufferSize int    // bytes per producer buffer
	TSBPoolCapacity   int    // chunks retained in the ring buffer pool
	TSBSizeBytes      uint64 // logical TSB window size, bytes
	TailSizeBytes     uint64 // extra tail retained past the TSB window
	IndexerSampling   uint8  // indexer sampling ratio (1 = every chunk)

	// Source selection (§6: "Environment. STREAM_TYPE=http ...").
	// Deliberately unprefixed: this is the one environment variable the
	// external interface contract names literally.
	StreamType string
	Iface      string
	OperatorID byte

	// Host (cmd/tsbengine) wiring.
	MountPoint  string
	MetricsAddr string
}

// Load reads Config from the environment, applying the same defaults a
// fresh checkout would run with.
func Load() *Config {
	c := &Config{
		ChunkSize:         getEnvInt("TSBENGINE_CHUNK_SIZE", 188*10),
		IngressPoolCount:  getEnvInt("TSBENGINE_INGRESS_POOL_COUNT", 64),
		IngressBufferSize: getEnvInt("TSBENGINE_INGRESS_BUFFER_SIZE", 64*1024),
		TSBPoolCapacity:   getEnvInt("TSBENGINE_TSB_POOL_CAPACITY", 8192),
		TSBSizeBytes:      getEnvUint64("TSBENGINE_TSB_SIZE_BYTES", 2<<30),
		TailSizeBytes:     getEnvUint64("TSBENGINE_TAIL_SIZE_BYTES", 0),
		IndexerSampling:   uint8(getEnvInt("TSBENGINE_INDEXER_SAMPLING_RATIO", 1)),
		StreamType:        strings.ToLower(strings.TrimSpace(os.Getenv("STREAM_TYPE"))),
		Iface:             getEnv("TSBENGINE_IFACE", ""),
		OperatorID:        byte(getEnvInt("TSBENGINE_OPERATOR_ID", 0)),
		MountPoint:        getEnv("TSBENGINE_MOUNT", "/mnt/tsbengine"),
		MetricsAddr:       getEnv("TSBENGINE_METRICS_ADDR", ":9100"),
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 188 * 10
	}
	if c.TSBPoolCapacity <= 0 {
		c.TSBPoolCapacity = 8192
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvUint64(key string, defaultVal uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return defaultVal
}
