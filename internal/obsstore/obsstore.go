// Package obsstore is the optional observability sink: gorm over sqlite,
// persisting peer statistics, installer history, and LSDB snapshots for
// restart-time diagnostics. It is written only from snapshot copies taken
// on the scheduler thread and is never read back into protocol state.
package obsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PeerStatRow is one point-in-time record of a BGP peer's counters.
type PeerStatRow struct {
	ID               uint   `gorm:"primaryKey"`
	PeerIP           string `gorm:"index"`
	State            string
	OpenSent         uint64
	OpenRecv         uint64
	UpdateSent       uint64
	UpdateRecv       uint64
	KeepaliveSent    uint64
	KeepaliveRecv    uint64
	NotificationSent uint64
	NotificationRecv uint64
	AdjInSize        int
	AdjOutSize       int
	RecordedAt       time.Time `gorm:"index"`
}

// InstalledRouteRow is one install/remove event on the kernel FIB.
type InstalledRouteRow struct {
	ID         uint   `gorm:"primaryKey"`
	Prefix     string `gorm:"index"`
	Source     string
	NextHop    string
	Interface  string
	Removed    bool
	RecordedAt time.Time `gorm:"index"`
}

// LSDBSnapshotRow is one LSA header captured during a periodic LSDB sweep.
type LSDBSnapshotRow struct {
	ID                uint `gorm:"primaryKey"`
	LSType            uint8
	LinkStateID       string
	AdvertisingRouter string
	SequenceNumber    uint32
	Age               uint16
	RecordedAt        time.Time `gorm:"index"`
}

// Store is an open observability database.
type Store struct {
	db *gorm.DB
}

// Open connects to (creating if needed) the sqlite file at path and
// migrates the three row shapes.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "routeragent.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("obsstore: mkdir %s: %w", dir, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("obsstore: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&PeerStatRow{}, &InstalledRouteRow{}, &LSDBSnapshotRow{}); err != nil {
		return nil, fmt.Errorf("obsstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendPeerStats writes one row per peer snapshot.
func (s *Store) AppendPeerStats(rows []PeerStatRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Create(&rows).Error
}

// AppendRouteEvent records one kernel install or removal.
func (s *Store) AppendRouteEvent(row InstalledRouteRow) error {
	return s.db.Create(&row).Error
}

// AppendLSDBSnapshot writes the current LSDB header set.
func (s *Store) AppendLSDBSnapshot(rows []LSDBSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Create(&rows).Error
}

// RecentPeerStats returns the newest limit rows for one peer, newest first.
func (s *Store) RecentPeerStats(peerIP string, limit int) ([]PeerStatRow, error) {
	var rows []PeerStatRow
	err := s.db.Where("peer_ip = ?", peerIP).
		Order("recorded_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// RecentRouteEvents returns the newest limit install/remove events.
func (s *Store) RecentRouteEvents(limit int) ([]InstalledRouteRow, error) {
	var rows []InstalledRouteRow
	err := s.db.Order("recorded_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
