/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"math"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
)

// loudnessClampDB bounds the loudness-matching correction.
const loudnessClampDB = 9.0

// preFadeGain computes the pending engine's fade target: loudness matching
// between the two tracks, the next track's ReplayGain correction, and a
// peak clamp so the result can never clip.
func preFadeGain(cur, next *analysis.AudioAnalysis, rg *models.ReplayGain, mode models.ReplayGainMode) float64 {
	gainDB := 0.0
	if cur != nil && next != nil && cur.Loudness != nil && next.Loudness != nil {
		gainDB = *cur.Loudness - *next.Loudness
	}
	if gainDB > loudnessClampDB {
		gainDB = loudnessClampDB
	}
	if gainDB < -loudnessClampDB {
		gainDB = -loudnessClampDB
	}

	linear := math.Pow(10, gainDB/20)
	linear *= math.Pow(10, rg.Gain(mode)/20)

	// Absent peak metadata means no clamp.
	if peak := rg.Peak(mode); peak > 0 && linear*peak > 1 {
		linear = 1 / peak
	}
	return linear
}
