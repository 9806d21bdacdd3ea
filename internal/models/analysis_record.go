/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AnalysisRecord is one persisted analysis-cache entry. Payload holds the
// raw JSON of the analyser result; the cache revalidates it against the
// backing file's (mtime, size) and the schema version on every read.
type AnalysisRecord struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Key       string `gorm:"uniqueIndex;type:text"` // normalised path key
	Canonical string `gorm:"index;type:text"`       // canonical key this entry belongs to
	MtimeNS   int64
	Size      int64
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the legacy table name used by earlier cache revisions.
func (AnalysisRecord) TableName() string { return "analysis_cache" }
