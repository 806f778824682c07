package ux

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cratedb/xmover/internal/model"
)

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// FormatSize renders a size given in GB as TB, GB or MB.
func FormatSize(sizeGB float64) string {
	switch {
	case sizeGB >= 1000:
		return fmt.Sprintf("%.1fTB", sizeGB/1000)
	case sizeGB >= 1:
		return fmt.Sprintf("%.1fGB", sizeGB)
	default:
		return fmt.Sprintf("%.0fMB", sizeGB*1000)
	}
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

// FormatCount renders an integer with thousands separators.
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatPercentage colors usage above 70% yellow and above 80% red.
func FormatPercentage(v float64) string {
	s := fmt.Sprintf("%.1f%%", v)
	switch {
	case v > 80:
		return Styles.Error.Render(s)
	case v > 70:
		return Styles.Warning.Render(s)
	default:
		return Styles.Success.Render(s)
	}
}

// FormatTranslog summarizes a translog, or returns "" when it is too small
// to matter: under 10MB uncommitted and under 50MB in total.
func FormatTranslog(totalBytes, uncommittedBytes int64) string {
	if uncommittedBytes < 10*mib && totalBytes < 50*mib {
		return ""
	}
	totalGB := float64(totalBytes) / gib
	uncommittedGB := float64(uncommittedBytes) / gib
	s := fmt.Sprintf("TL: %.1fGB (U: %.1fGB)", totalGB, uncommittedGB)
	switch {
	case uncommittedGB > 5:
		return Styles.Error.Render(string(IconFire) + " " + s)
	case uncommittedGB > 1:
		return Styles.Warning.Render(string(IconWarning) + " " + s)
	default:
		return Styles.Info.Render(string(IconInfo) + " " + s)
	}
}

// FormatRecoveryProgress shows sequence number progress for replicas, and
// both figures when they disagree by more than 5 points.
func FormatRecoveryProgress(r model.RecoveryInfo) string {
	overall := r.OverallProgress()
	if r.IsPrimary || r.PrimaryMaxSeqNo <= 0 {
		return fmt.Sprintf("%.1f%%", overall)
	}
	seq := r.SeqNoProgress()
	if math.Abs(seq-overall) > 5 {
		return fmt.Sprintf("%.1f%% (seq) / %.1f%% (rec)", seq, overall)
	}
	return fmt.Sprintf("%.1f%%", seq)
}

// FormatDuration renders "42s", "3m 5s" or "2h 10m".
func FormatDuration(d time.Duration) string {
	total := int64(d.Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h == 0 && m == 0:
		return fmt.Sprintf("%ds", s)
	case h == 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

// FormatThroughput renders bytes per second as MB/sec.
func FormatThroughput(bytesPerSec int64) string {
	return fmt.Sprintf("%.0fMB/sec", float64(bytesPerSec)/mib)
}

// FormatAge renders how long ago t was.
func FormatAge(t time.Time) string {
	return humanize.Time(t)
}
