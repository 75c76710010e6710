package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Bucket and key names. The key suffix versions the blob layout so a format
// change can live next to old data during migration.
const (
	telemetryBucket = "telemetry"
	segmentsKey     = "segments_v2"
	updatesKey      = "updates_v1"
)

const (
	DefaultMaxStoreBytes       = 10 * 1024 * 1024
	DefaultMaxUnsyncedSegments = 20
)

// Config holds offline store settings.
type Config struct {
	Path                string `json:"path"`
	ArchivePath         string `json:"archive_path"`
	MaxStoreBytes       int64  `json:"max_store_bytes"`
	MaxUnsyncedSegments int    `json:"max_unsynced_segments"`
	EncryptionKey       []byte `json:"-"`
}

// DefaultConfig returns store settings with the standard 10MB budget and a
// 20 segment unsynced ceiling.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                path,
		MaxStoreBytes:       DefaultMaxStoreBytes,
		MaxUnsyncedSegments: DefaultMaxUnsyncedSegments,
	}
}

// Stats is the store's observable state for /status and metrics.
type Stats struct {
	TotalSegments    int     `json:"total_segments"`
	UnsyncedSegments int     `json:"unsynced_segments"`
	PendingUpdates   int     `json:"pending_updates"`
	SerializedBytes  int64   `json:"serialized_bytes"`
	PrunedSegments   int64   `json:"pruned_segments"`
	DroppedUpdates   int64   `json:"dropped_updates"`
	ArchivedSegments int64   `json:"archived_segments"`
	ReplayedUpdates  int64   `json:"replayed_updates"`
	StorageErrors    int64   `json:"storage_errors"`
	CompressionRatio float64 `json:"compression_ratio"`
	ReplayInFlight   bool    `json:"replay_in_flight"`
	Persistent       bool    `json:"persistent"`
}

// UpdateSender delivers one pending update to the backend. Implemented by
// the sync client.
type UpdateSender interface {
	SendUpdate(ctx context.Context, update pkg.OfflineLocationUpdate, isBackfill bool) error
}

// Store owns all persisted trip segments and the pending update queue.
// Everything in memory is authoritative; bbolt provides durability across
// restarts. A storage failure degrades the affected call to memory-only,
// it never takes the process down.
type Store struct {
	cfg    *Config
	logger *logx.Logger

	mu       sync.Mutex
	db       *bolt.DB
	segments []*pkg.OfflineTripSegment
	updates  []pkg.OfflineLocationUpdate
	key      *[32]byte
	archive  *TripArchive

	lastSize int64
	pruned   int64
	dropped  int64
	archived int64
	replayed int64
	ioErrors int64

	replaying atomic.Bool
}

// Open loads persisted state from cfg.Path. An empty path means a purely
// in-memory store; an unopenable file logs and degrades the same way.
func Open(cfg *Config, logger *logx.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if cfg.MaxStoreBytes <= 0 {
		cfg.MaxStoreBytes = DefaultMaxStoreBytes
	}
	if cfg.MaxUnsyncedSegments <= 0 {
		cfg.MaxUnsyncedSegments = DefaultMaxUnsyncedSegments
	}

	s := &Store{cfg: cfg, logger: logger}

	if len(cfg.EncryptionKey) > 0 {
		if len(cfg.EncryptionKey) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(cfg.EncryptionKey))
		}
		s.key = new([32]byte)
		copy(s.key[:], cfg.EncryptionKey)
	}

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			logger.Error("failed to create store directory, continuing in memory",
				"path", cfg.Path, "error", err)
			s.ioErrors++
		} else if db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
			Timeout: 5 * time.Second,
		}); err != nil {
			logger.Error("failed to open telemetry database, continuing in memory",
				"path", cfg.Path, "error", err)
			s.ioErrors++
		} else {
			s.db = db
			if err := s.ensureBucket(); err != nil {
				logger.Error("failed to initialize telemetry bucket, continuing in memory",
					"error", err)
				s.ioErrors++
				db.Close()
				s.db = nil
			} else {
				s.load()
			}
		}
	}

	if cfg.ArchivePath != "" {
		archive, err := OpenArchive(cfg.ArchivePath, logger)
		if err != nil {
			logger.Warn("trip archive unavailable", "path", cfg.ArchivePath, "error", err)
		} else {
			s.archive = archive
		}
	}

	return s, nil
}

func (s *Store) ensureBucket() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(telemetryBucket))
		return err
	})
}

func (s *Store) load() {
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(telemetryBucket))
		if bucket == nil {
			return nil
		}

		if blob := bucket.Get([]byte(segmentsKey)); blob != nil {
			segments, err := decodeSegments(unseal(blob, s.key))
			if err != nil {
				return fmt.Errorf("segments: %w", err)
			}
			s.segments = segments
		}

		if blob := bucket.Get([]byte(updatesKey)); blob != nil {
			updates, err := decodeUpdates(unseal(blob, s.key))
			if err != nil {
				return fmt.Errorf("pending updates: %w", err)
			}
			s.updates = updates
		}

		return nil
	})
	if err != nil {
		s.logger.Error("failed to load persisted telemetry, starting empty", "error", err)
		s.ioErrors++
		return
	}

	s.logger.Info("telemetry store loaded",
		"segments", len(s.segments),
		"pending_updates", len(s.updates),
	)
}

// Append inserts a segment, or replaces the stored one with the same ID.
func (s *Store) Append(segment *pkg.OfflineTripSegment) error {
	if segment == nil || segment.ID == "" {
		return fmt.Errorf("segment must carry an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.segments {
		if existing.ID == segment.ID {
			s.segments[i] = segment
			replaced = true
			break
		}
	}
	if !replaced {
		s.segments = append(s.segments, segment)
	}

	s.afterWriteLocked()
	return nil
}

// AddPoint appends a trip point to an active segment and advances its end
// time. Points that carry a location also enqueue the matching pending
// update so the fix reaches the backend on the next replay.
func (s *Store) AddPoint(segmentID string, point pkg.TripPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.findLocked(segmentID)
	if seg == nil {
		return fmt.Errorf("unknown segment %s", segmentID)
	}

	seg.Points = append(seg.Points, point)
	end := point.Timestamp
	seg.EndTime = &end

	if point.Location != nil {
		s.updates = append(s.updates, pkg.OfflineLocationUpdate{
			Latitude:   point.Location.Latitude,
			Longitude:  point.Location.Longitude,
			CapturedAt: point.Timestamp,
			TripID:     segmentID,
		})
	}

	s.afterWriteLocked()
	return nil
}

// RecordPoint appends a point without queueing a location update, for
// fixes already reported live to the sync endpoint.
func (s *Store) RecordPoint(segmentID string, point pkg.TripPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.findLocked(segmentID)
	if seg == nil {
		return fmt.Errorf("unknown segment %s", segmentID)
	}

	seg.Points = append(seg.Points, point)
	end := point.Timestamp
	seg.EndTime = &end

	s.afterWriteLocked()
	return nil
}

// QueueUpdate enqueues a standalone pending update, for fixes captured
// offline outside any trip.
func (s *Store) QueueUpdate(update pkg.OfflineLocationUpdate) error {
	if !pkg.ValidCoordinate(update.Latitude, update.Longitude) {
		return fmt.Errorf("update carries invalid coordinates %.4f,%.4f",
			update.Latitude, update.Longitude)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, update)
	s.afterWriteLocked()
	return nil
}

// MarkSynced flips the synced flag after backend acknowledgment. Idempotent;
// the segment itself stays until garbage collection needs the space.
func (s *Store) MarkSynced(segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.findLocked(segmentID)
	if seg == nil {
		return fmt.Errorf("unknown segment %s", segmentID)
	}
	if seg.Synced {
		return nil
	}

	seg.Synced = true
	s.persistLocked()
	return nil
}

// Replay pushes pending updates to the backend in capture-timestamp order,
// one at a time. The first failure halts the run; everything already
// acknowledged stays removed, everything else stays queued for the next
// trigger. Overlapping triggers are collapsed: a second call while one runs
// returns immediately.
func (s *Store) Replay(ctx context.Context, sender UpdateSender) error {
	if !s.replaying.CompareAndSwap(false, true) {
		s.logger.Debug("replay already in flight, ignoring trigger")
		return nil
	}
	defer s.replaying.Store(false)

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("replay cancelled", "sent", sent)
			return err
		}

		s.mu.Lock()
		if len(s.updates) == 0 {
			s.mu.Unlock()
			break
		}
		sortUpdatesByCapture(s.updates)
		next := s.updates[0]
		s.mu.Unlock()

		if err := sender.SendUpdate(ctx, next, true); err != nil {
			s.logger.Warn("replay halted at failing update",
				"captured_at", next.CapturedAt,
				"trip_id", next.TripID,
				"sent", sent,
				"error", err,
			)
			return err
		}

		s.mu.Lock()
		s.removeUpdateLocked(next)
		s.replayed++
		if next.TripID != "" && !s.hasPendingForLocked(next.TripID) {
			if seg := s.findLocked(next.TripID); seg != nil && !seg.Synced {
				seg.Synced = true
				s.logger.Info("segment fully replayed", "segment_id", seg.ID)
			}
		}
		s.persistLocked()
		s.mu.Unlock()
		sent++
	}

	if sent > 0 {
		s.logger.Info("replay drained pending updates", "sent", sent)
	}
	return nil
}

// Segments returns value copies of all stored segments, unsynced and synced.
func (s *Store) Segments() []pkg.OfflineTripSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pkg.OfflineTripSegment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, *seg)
	}
	return out
}

// Segment looks a single segment up by ID.
func (s *Store) Segment(id string) (pkg.OfflineTripSegment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seg := s.findLocked(id); seg != nil {
		return *seg, true
	}
	return pkg.OfflineTripSegment{}, false
}

// PendingUpdates returns a copy of the pending queue in capture order.
func (s *Store) PendingUpdates() []pkg.OfflineLocationUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pkg.OfflineLocationUpdate, len(s.updates))
	copy(out, s.updates)
	sortUpdatesByCapture(out)
	return out
}

// Stats snapshots the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	unsynced := 0
	ratioSum, ratioCount := 0.0, 0
	for _, seg := range s.segments {
		if !seg.Synced {
			unsynced++
		}
		if seg.Metadata.CompressionRatio > 0 {
			ratioSum += seg.Metadata.CompressionRatio
			ratioCount++
		}
	}

	st := Stats{
		TotalSegments:    len(s.segments),
		UnsyncedSegments: unsynced,
		PendingUpdates:   len(s.updates),
		SerializedBytes:  s.lastSize,
		PrunedSegments:   s.pruned,
		DroppedUpdates:   s.dropped,
		ArchivedSegments: s.archived,
		ReplayedUpdates:  s.replayed,
		StorageErrors:    s.ioErrors,
		ReplayInFlight:   s.replaying.Load(),
		Persistent:       s.db != nil,
	}
	if ratioCount > 0 {
		st.CompressionRatio = ratioSum / float64(ratioCount)
	}
	return st
}

// Archive exposes the trip archive, nil when not configured.
func (s *Store) Archive() *TripArchive {
	return s.archive
}

// Close flushes state and releases the database handles.
func (s *Store) Close() error {
	s.mu.Lock()
	s.persistLocked()
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.Close()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func (s *Store) findLocked(id string) *pkg.OfflineTripSegment {
	for _, seg := range s.segments {
		if seg.ID == id {
			return seg
		}
	}
	return nil
}

func (s *Store) hasPendingForLocked(tripID string) bool {
	for _, u := range s.updates {
		if u.TripID == tripID {
			return true
		}
	}
	return false
}

func (s *Store) removeUpdateLocked(target pkg.OfflineLocationUpdate) {
	for i, u := range s.updates {
		if u.CapturedAt.Equal(target.CapturedAt) && u.TripID == target.TripID &&
			u.Latitude == target.Latitude && u.Longitude == target.Longitude {
			s.updates = append(s.updates[:i], s.updates[i+1:]...)
			return
		}
	}
}

// afterWriteLocked persists the mutation and enforces the storage budget.
func (s *Store) afterWriteLocked() {
	size := s.persistLocked()
	if size > s.cfg.MaxStoreBytes {
		s.pruneLocked()
		s.persistLocked()
	}
}

// pruneLocked frees space in two passes: synced segments go first (archived
// on the way out), then unsynced ones newest-first down to the configured
// ceiling and, if the budget is still blown, from the oldest end until it
// fits. Lossy drops are never silent.
func (s *Store) pruneLocked() {
	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.Synced {
			s.archiveSegmentLocked(seg)
			continue
		}
		kept = append(kept, seg)
	}
	s.segments = kept

	size := s.encodedSizeLocked()
	if size <= s.cfg.MaxStoreBytes {
		return
	}

	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].StartTime.After(s.segments[j].StartTime)
	})

	for len(s.segments) > s.cfg.MaxUnsyncedSegments {
		s.dropOldestLocked()
	}
	size = s.encodedSizeLocked()
	for size > s.cfg.MaxStoreBytes && len(s.segments) > 0 {
		s.dropOldestLocked()
		size = s.encodedSizeLocked()
	}
}

// dropOldestLocked removes the tail segment of the newest-first ordering
// together with its pending updates.
func (s *Store) dropOldestLocked() {
	last := s.segments[len(s.segments)-1]
	s.segments = s.segments[:len(s.segments)-1]

	removed := 0
	keptUpdates := s.updates[:0]
	for _, u := range s.updates {
		if u.TripID == last.ID {
			removed++
			continue
		}
		keptUpdates = append(keptUpdates, u)
	}
	s.updates = keptUpdates

	s.pruned++
	s.dropped += int64(removed)
	s.logger.Warn("storage budget exceeded, dropped unsynced segment",
		"segment_id", last.ID,
		"points", len(last.Points),
		"updates_dropped", removed,
	)
}

func (s *Store) archiveSegmentLocked(seg *pkg.OfflineTripSegment) {
	s.archived++
	if s.archive == nil {
		return
	}
	if err := s.archive.Insert(seg); err != nil {
		s.logger.Warn("failed to archive synced segment", "segment_id", seg.ID, "error", err)
	}
}

// persistLocked writes both blobs and returns their serialized size. Write
// failures leave the in-memory state authoritative.
func (s *Store) persistLocked() int64 {
	segBlob, err := encodeSegments(s.segments)
	if err != nil {
		s.logger.Error("failed to encode segments", "error", err)
		s.ioErrors++
		return s.lastSize
	}
	updBlob, err := encodeUpdates(s.updates)
	if err != nil {
		s.logger.Error("failed to encode pending updates", "error", err)
		s.ioErrors++
		return s.lastSize
	}

	s.lastSize = int64(len(segBlob) + len(updBlob))

	if s.db == nil {
		return s.lastSize
	}

	sealedSeg, err := seal(segBlob, s.key)
	if err == nil {
		var sealedUpd []byte
		sealedUpd, err = seal(updBlob, s.key)
		if err == nil {
			err = s.db.Update(func(tx *bolt.Tx) error {
				bucket := tx.Bucket([]byte(telemetryBucket))
				if bucket == nil {
					return fmt.Errorf("bucket %s missing", telemetryBucket)
				}
				if err := bucket.Put([]byte(segmentsKey), sealedSeg); err != nil {
					return err
				}
				return bucket.Put([]byte(updatesKey), sealedUpd)
			})
		}
	}
	if err != nil {
		s.logger.Error("failed to persist telemetry, state kept in memory", "error", err)
		s.ioErrors++
	}

	return s.lastSize
}

func (s *Store) encodedSizeLocked() int64 {
	segBlob, err := encodeSegments(s.segments)
	if err != nil {
		return s.lastSize
	}
	updBlob, err := encodeUpdates(s.updates)
	if err != nil {
		return s.lastSize
	}
	return int64(len(segBlob) + len(updBlob))
}

func sortUpdatesByCapture(updates []pkg.OfflineLocationUpdate) {
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].CapturedAt.Before(updates[j].CapturedAt)
	})
}
