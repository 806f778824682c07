package analyzer

import (
	"math"
	"strconv"
	"strings"

	"github.com/cratedb/xmover/internal/model"
)

const (
	defaultLowWatermark   = 85.0
	defaultHighWatermark  = 90.0
	defaultFloodWatermark = 95.0

	// DefaultSafetyBuffer is subtracted from the low watermark when
	// deciding how full a move target may get.
	DefaultSafetyBuffer   = 2.0
	minEffectiveThreshold = 75.0

	// Unlimited is reported as remaining space when watermarks are disabled.
	Unlimited = 999999.0
)

// ParseWatermarkPercentage accepts "85%", "0.85" or "85". Fractions up to 1
// are scaled to percent. Negative or unparsable input yields 85.
func ParseWatermarkPercentage(raw string) float64 {
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || v < 0 || math.IsNaN(v) {
			return defaultLowWatermark
		}
		return v
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) {
		return defaultLowWatermark
	}
	if v <= 1.0 {
		return v * 100
	}
	return v
}

func watermarkOr(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	return ParseWatermarkPercentage(raw)
}

// EffectiveDiskUsageThreshold is the highest disk usage a move target may
// reach: the low watermark minus buffer, never below 75%.
func EffectiveDiskUsageThreshold(cfg model.WatermarkConfig, buffer float64) float64 {
	if cfg.IsZero() || !cfg.ThresholdEnabled || cfg.Low == "" {
		return defaultLowWatermark
	}
	return math.Max(ParseWatermarkPercentage(cfg.Low)-buffer, minEffectiveThreshold)
}

// Remaining is the space in GB left before each watermark is reached.
type Remaining struct {
	ToLowGB   float64 `json:"remaining_to_low_gb"`
	ToHighGB  float64 `json:"remaining_to_high_gb"`
	ToFloodGB float64 `json:"remaining_to_flood_gb"`
}

// WatermarkRemaining computes the headroom of a node with the given
// filesystem totals. Exceeded watermarks report 0.
func WatermarkRemaining(totalBytes, usedBytes int64, cfg model.WatermarkConfig) Remaining {
	if !cfg.ThresholdEnabled {
		return Remaining{ToLowGB: Unlimited, ToHighGB: Unlimited, ToFloodGB: Unlimited}
	}
	left := func(pct float64) float64 {
		limit := float64(totalBytes) * pct / 100
		return math.Max(0, (limit-float64(usedBytes))/gib)
	}
	return Remaining{
		ToLowGB:   left(watermarkOr(cfg.Low, defaultLowWatermark)),
		ToHighGB:  left(watermarkOr(cfg.High, defaultHighWatermark)),
		ToFloodGB: left(watermarkOr(cfg.FloodStage, defaultFloodWatermark)),
	}
}

// NodeRemaining is WatermarkRemaining for a node.
func NodeRemaining(n model.NodeInfo, cfg model.WatermarkConfig) Remaining {
	return WatermarkRemaining(n.FSTotal, n.FSUsed, cfg)
}

const gib = 1024 * 1024 * 1024
