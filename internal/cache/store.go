/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
)

// windowTolerance is how far a cached analyze_window may drift from the
// requested one before the entry is considered a miss, seconds (strict <).
const windowTolerance = 1.0

// Store is the persistent analysis cache. Reads revalidate against the
// backing file; writes are last-writer-wins. An optional Redis tier fronts
// the database for shared libraries.
type Store struct {
	db     *gorm.DB
	redis  *RedisTier // nil when disabled
	logger zerolog.Logger
}

// NewStore creates the cache store and migrates its table.
func NewStore(db *gorm.DB, redis *RedisTier, logger zerolog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&models.AnalysisRecord{}); err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		redis:  redis,
		logger: logger.With().Str("component", "analysis-cache").Logger(),
	}, nil
}

// Get returns the cached analysis for path when the entry is still valid:
// same (mtime, size) as the file on disk, current schema version, and an
// analyze_window within windowTolerance of wantWindow. Any parse, version,
// or storage failure is a miss.
func (s *Store) Get(ctx context.Context, path string, wantWindow float64, head bool) (*analysis.AudioAnalysis, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}

	ks := normalizeKey(path, head)
	for i, key := range ks.all() {
		rec, ok := s.lookup(ctx, key)
		if !ok {
			continue
		}
		if rec.MtimeNS != info.ModTime().UnixNano() || rec.Size != info.Size() {
			continue
		}

		var a analysis.AudioAnalysis
		if err := json.Unmarshal(rec.Payload, &a); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("cached payload unparsable, treating as miss")
			continue
		}
		if a.Version != analysis.Version {
			continue
		}
		if math.Abs(a.AnalyzeWindow-wantWindow) >= windowTolerance {
			continue
		}

		// Hit on a non-canonical alias: opportunistically store the
		// canonical key so later reads succeed first try.
		if i > 0 {
			s.writeRecord(ctx, ks.canonical, ks.canonical, rec.MtimeNS, rec.Size, rec.Payload)
		}

		s.logger.Debug().Str("key", key).Float64("window", a.AnalyzeWindow).Msg("analysis cache hit")
		return a.Sanitize(), true
	}
	return nil, false
}

// Put stores the payload under the canonical key, unconditionally.
func (s *Store) Put(ctx context.Context, path string, payload []byte, mtimeNS, size int64, head bool) {
	ks := normalizeKey(path, head)
	s.writeRecord(ctx, ks.canonical, ks.canonical, mtimeNS, size, payload)
	if s.redis != nil {
		s.redis.SetWithStat(ctx, ks.canonical, payload, mtimeNS, size)
	}
}

// Invalidate drops every entry (full and head, all aliases) for path.
func (s *Store) Invalidate(ctx context.Context, path string) {
	for _, head := range []bool{false, true} {
		ks := normalizeKey(path, head)
		for _, key := range ks.all() {
			if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.AnalysisRecord{}).Error; err != nil {
				s.logger.Debug().Err(err).Str("key", key).Msg("cache invalidation failed")
			}
			if s.redis != nil {
				s.redis.Delete(ctx, key)
			}
		}
	}
}

func (s *Store) lookup(ctx context.Context, key string) (*models.AnalysisRecord, bool) {
	if s.redis != nil {
		if payload, mtimeNS, size, ok := s.redis.Get(ctx, key); ok {
			return &models.AnalysisRecord{Key: key, MtimeNS: mtimeNS, Size: size, Payload: payload}, true
		}
	}

	var rec models.AnalysisRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return nil, false
	}
	return &rec, true
}

func (s *Store) writeRecord(ctx context.Context, key, canonical string, mtimeNS, size int64, payload []byte) {
	rec := models.AnalysisRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Canonical: canonical,
		MtimeNS:   mtimeNS,
		Size:      size,
		Payload:   payload,
		UpdatedAt: time.Now(),
	}

	res := s.db.WithContext(ctx).
		Model(&models.AnalysisRecord{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"canonical":  canonical,
			"mtime_ns":   mtimeNS,
			"size":       size,
			"payload":    payload,
			"updated_at": rec.UpdatedAt,
		})
	if res.Error != nil {
		s.logger.Warn().Err(res.Error).Str("key", key).Msg("cache write failed")
		return
	}
	if res.RowsAffected == 0 {
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache insert failed")
		}
	}
}
