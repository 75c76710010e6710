package fusion

import (
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

// Base confidence per source tier. Satellite fixes only enter scoring on
// corroboration paths; the live-positioning happy path returns them directly.
const (
	baseSatellite = 95.0
	baseWiFi      = 80.0
	baseCell      = 60.0
	baseCached    = 50.0
	baseIP        = 40.0
	baseDefault   = 10.0
)

// ScoreConfidence computes the 0-100 trust score for a sample as a pure
// function of its source tier, accuracy radius and age. The age term applies
// only to cached samples; everything else is assumed fresh at scoring time.
func ScoreConfidence(source string, accuracyM float64, age time.Duration) float64 {
	if accuracyM < 0 {
		accuracyM = 0
	}

	score := baseScore(source) * accuracyMultiplier(source, accuracyM)
	if source == pkg.SourceCached {
		score *= ageMultiplier(age)
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func baseScore(source string) float64 {
	switch source {
	case pkg.SourceSatellite:
		return baseSatellite
	case pkg.SourceWiFi:
		return baseWiFi
	case pkg.SourceCell:
		return baseCell
	case pkg.SourceCached:
		return baseCached
	case pkg.SourceIP:
		return baseIP
	default:
		return baseDefault
	}
}

// accuracyMultiplier rewards accuracy that beats the source's expected
// envelope (up to 1.2x) and penalizes accuracy well outside it (down to
// 0.6x). Thresholds differ per tier: wifi is expected around 15-100m,
// cellular 100-3000m, ip-based 1-10km.
func accuracyMultiplier(source string, accuracyM float64) float64 {
	switch source {
	case pkg.SourceSatellite:
		switch {
		case accuracyM <= 5:
			return 1.2
		case accuracyM <= 10:
			return 1.1
		case accuracyM <= 25:
			return 1.0
		case accuracyM <= 50:
			return 0.8
		default:
			return 0.6
		}
	case pkg.SourceWiFi:
		switch {
		case accuracyM <= 15:
			return 1.2
		case accuracyM <= 30:
			return 1.1
		case accuracyM <= 50:
			return 1.0
		case accuracyM <= 100:
			return 0.8
		default:
			return 0.6
		}
	case pkg.SourceCell:
		switch {
		case accuracyM <= 100:
			return 1.2
		case accuracyM <= 300:
			return 1.1
		case accuracyM <= 1000:
			return 1.0
		case accuracyM <= 3000:
			return 0.8
		default:
			return 0.6
		}
	case pkg.SourceCached:
		switch {
		case accuracyM <= 10:
			return 1.2
		case accuracyM <= 50:
			return 1.1
		case accuracyM <= 100:
			return 1.0
		case accuracyM <= 500:
			return 0.8
		default:
			return 0.6
		}
	case pkg.SourceIP:
		switch {
		case accuracyM <= 1000:
			return 1.2
		case accuracyM <= 5000:
			return 1.0
		case accuracyM <= 10000:
			return 0.8
		default:
			return 0.6
		}
	default:
		return 1.0
	}
}

// ageMultiplier degrades cached fixes stepwise: full trust under five
// minutes, half trust beyond twenty.
func ageMultiplier(age time.Duration) float64 {
	switch {
	case age < 5*time.Minute:
		return 1.0
	case age < 10*time.Minute:
		return 0.9
	case age < 15*time.Minute:
		return 0.8
	case age < 20*time.Minute:
		return 0.65
	default:
		return 0.5
	}
}
