package persistence

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ngoclaw/gro/internal/apperr"
)

// sessionIndexRow mirrors a session's meta.json for fast ranked listing;
// the JSON files under context/<id>/ remain the source of truth (§6), this
// table only accelerates `listSessions` so a large session count doesn't
// require a readdir-and-stat-every-meta-file scan every time.
type sessionIndexRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Provider  string `gorm:"size:32"`
	Model     string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (sessionIndexRow) TableName() string { return "session_index" }

// pageIndexRow mirrors a page's metadata (§4.F) for the same reason.
type pageIndexRow struct {
	ID            string `gorm:"primaryKey;size:32"`
	Label         string `gorm:"size:255"`
	Lane          string `gorm:"size:16"`
	CreatedAt     int64
	MaxImportance float64
}

func (pageIndexRow) TableName() string { return "page_index" }

// Index is the optional gorm/sqlite layer above the JSON/page-file source
// of truth: it never holds content, only the fields `listSessions` and
// page ranking need to sort/filter on, and is safe to delete and rebuild
// from disk at any time.
type Index struct {
	db *gorm.DB
}

// OpenIndex opens (creating if necessary) the index database at dsn,
// migrating its two tables. driver selects the dialector the same way the
// teacher's NewDBConnection does ("sqlite" or "postgres"); gro defaults to
// sqlite for the single-process local case and only needs postgres when
// the index is shared across a multi-instance deployment.
func OpenIndex(driver, dsn string) (*Index, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, apperr.New(apperr.KindConfig, "unsupported session index driver: "+driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "open session index", err)
	}
	if err := db.AutoMigrate(&sessionIndexRow{}, &pageIndexRow{}); err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "migrate session index", err)
	}
	return &Index{db: db}, nil
}

// UpsertSession records or refreshes a session's index row; called
// alongside Store.Save so the index never drifts from the JSON files.
func (x *Index) UpsertSession(meta SessionMeta) error {
	row := sessionIndexRow{
		ID:        meta.ID,
		Provider:  meta.Provider,
		Model:     meta.Model,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}
	if err := x.db.Save(&row).Error; err != nil {
		return apperr.Wrap(apperr.KindSession, "upsert session index row", err)
	}
	return nil
}

// RankedSessionIDs returns session ids ordered by most-recently-updated
// first, the index-accelerated equivalent of Store.ListSessions.
func (x *Index) RankedSessionIDs(limit int) ([]string, error) {
	var rows []sessionIndexRow
	q := x.db.Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "query session index", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

// UpsertPage records or refreshes a page's index row, called alongside
// page.Store.Create/UpdateSummary so §4.F's ranked listing stays current
// without re-reading every page file.
func (x *Index) UpsertPage(id, label, lane string, createdAt int64, maxImportance float64) error {
	row := pageIndexRow{
		ID:            id,
		Label:         label,
		Lane:          lane,
		CreatedAt:     createdAt,
		MaxImportance: maxImportance,
	}
	if err := x.db.Save(&row).Error; err != nil {
		return apperr.Wrap(apperr.KindSession, "upsert page index row", err)
	}
	return nil
}

// RankedPageIDs returns page ids ordered by importance (desc) then
// creation time (desc), the ranking §4.G's page-slot auto-fill consults
// when more candidate pages exist than fit in the slot budget.
func (x *Index) RankedPageIDs(limit int) ([]string, error) {
	var rows []pageIndexRow
	q := x.db.Order("max_importance DESC, created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "query page index", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

// Close releases the underlying sql.DB handle.
func (x *Index) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.KindSession, "get underlying sql.DB", err)
	}
	return sqlDB.Close()
}
