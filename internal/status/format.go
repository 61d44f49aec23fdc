package status

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ProgressCells is the width of a rendered progress bar.
const ProgressCells = 12

var partialCells = []string{"▏", "▎", "▍", "▌", "▋", "▊", "▉"}

// FormatSize renders size with binary units rounded to two decimals.
func FormatSize(size int64) string {
	n := float64(size)

	switch {
	case n < 1000:
		return formatNumber(n) + "B"
	case n < 1024000:
		return formatNumber(n/1024) + "KB"
	case n < 1048576000:
		return formatNumber(n/1048576) + "MB"
	default:
		return formatNumber(n/1073741824) + "GB"
	}
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(math.Round(n*100)/100, 'f', -1, 64)
}

// Progress returns completed as a rounded percentage of total.
func Progress(total, completed int64) int {
	if total <= 0 {
		return 0
	}

	return int(math.Round(float64(completed) * 100 / float64(total)))
}

// RenderProgress draws p percent as a bar of ProgressCells cells. The last
// partly filled cell uses one of seven eighth-width glyphs.
func RenderProgress(p int) string {
	p = min(max(p, 0), 100)

	full := p * ProgressCells / 100
	part := (p*ProgressCells%100)*8/100 - 1

	var b strings.Builder

	b.WriteString("[")
	b.WriteString(strings.Repeat("█", full))

	empty := ProgressCells - full
	if part >= 0 {
		b.WriteString(partialCells[part])

		empty--
	}

	b.WriteString(strings.Repeat(" ", empty))
	fmt.Fprintf(&b, "] %d%%", p)

	return b.String()
}

// FormatETA estimates the remaining time at speed bytes per second. It
// returns "-" when the download is not moving.
func FormatETA(total, completed, speed int64) string {
	if speed <= 0 {
		return "-"
	}

	remaining := max(total-completed, 0) / speed

	hours := remaining / 3600
	minutes := remaining / 60 % 60
	seconds := remaining % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
