package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// TripArchive keeps summary rows for synced segments after the blob store
// lets them go, so trip history survives garbage collection. Best-effort:
// callers treat archive failures as log-and-continue.
type TripArchive struct {
	db     *sql.DB
	logger *logx.Logger
}

// ArchivedTrip is one archived segment summary.
type ArchivedTrip struct {
	ID               string     `json:"id"`
	VehicleID        string     `json:"vehicle_id"`
	UserID           string     `json:"user_id"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	PointCount       int        `json:"point_count"`
	CompressionRatio float64    `json:"compression_ratio"`
	ArchivedAt       time.Time  `json:"archived_at"`
}

// OpenArchive opens or creates the SQLite archive at path.
func OpenArchive(path string, logger *logx.Logger) (*TripArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	a := &TripArchive{db: db, logger: logger}
	if err := a.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	logger.Info("trip archive opened", "path", path)
	return a, nil
}

func (a *TripArchive) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS trip_archive (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		point_count INTEGER NOT NULL,
		compression_ratio REAL,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trip_archive_start_time ON trip_archive(start_time);
	CREATE INDEX IF NOT EXISTS idx_trip_archive_vehicle ON trip_archive(vehicle_id);
	`

	_, err := a.db.Exec(createTableSQL)
	return err
}

// Insert records a segment summary, replacing an earlier row for the same ID.
func (a *TripArchive) Insert(seg *pkg.OfflineTripSegment) error {
	insertSQL := `
	INSERT OR REPLACE INTO trip_archive (
		id, vehicle_id, user_id, start_time, end_time, point_count, compression_ratio
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var end interface{}
	if seg.EndTime != nil {
		end = seg.EndTime.UTC()
	}

	_, err := a.db.Exec(insertSQL,
		seg.ID, seg.VehicleID, seg.UserID, seg.StartTime.UTC(), end,
		len(seg.Points), seg.Metadata.CompressionRatio,
	)
	if err != nil {
		return fmt.Errorf("failed to archive segment %s: %w", seg.ID, err)
	}

	a.logger.LogDebugVerbose("segment_archived", map[string]interface{}{
		"segment_id": seg.ID,
		"points":     len(seg.Points),
	})
	return nil
}

// RecentTrips returns the newest archived trips, most recent start first.
func (a *TripArchive) RecentTrips(limit int) ([]ArchivedTrip, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
	SELECT id, vehicle_id, user_id, start_time, end_time, point_count,
	       COALESCE(compression_ratio, 0), archived_at
	FROM trip_archive
	ORDER BY start_time DESC
	LIMIT ?
	`

	rows, err := a.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trip archive: %w", err)
	}
	defer rows.Close()

	var trips []ArchivedTrip
	for rows.Next() {
		var trip ArchivedTrip
		var end sql.NullTime
		if err := rows.Scan(&trip.ID, &trip.VehicleID, &trip.UserID, &trip.StartTime,
			&end, &trip.PointCount, &trip.CompressionRatio, &trip.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		if end.Valid {
			t := end.Time
			trip.EndTime = &t
		}
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

// Close releases the archive database.
func (a *TripArchive) Close() error {
	return a.db.Close()
}
