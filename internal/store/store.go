// Package store implements durable, concurrent-safe persistence of Tasks,
// FileEntries, HistoryEntries, NamedLocations, Profiles, Tokens,
// LocalModelRecords, and a free-form key/value settings space, backed by a
// single embedded relational database file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"hfsuite/internal/errs"
)

// StatusPending and friends enumerate Task.Status. queued/pending carry no
// Worker; downloading/paused carry exactly one.
const (
	StatusPending     = "pending"
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Store wraps the gorm handle. All operations are safe to call from any
// goroutine; gorm serializes access to the single underlying connection.
type Store struct {
	DB *gorm.DB
}

// Open opens (and migrates) the database file at path. A corrupted file
// surfaces as a StoreOpenError rather than being silently recreated.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, &StoreOpenError{Path: path, cause: err}
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, &StoreOpenError{Path: path, cause: err}
	}
	return s, nil
}

// StoreOpenError signals that the database file could not be opened or
// migrated; callers must not treat this as "create fresh".
type StoreOpenError struct {
	Path  string
	cause error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("store: open %q: %v", e.Path, e.cause)
}

func (e *StoreOpenError) Unwrap() error { return e.cause }

func (s *Store) migrate() error {
	return s.DB.AutoMigrate(
		&Task{}, &FileEntry{}, &HistoryEntry{}, &NamedLocation{},
		&Profile{}, &Token{}, &LocalModelRecord{}, &DailyStat{}, &AppSetting{},
	)
}

// AddTask persists a new row and returns the assigned id.
func (s *Store) AddTask(t *Task) (int64, error) {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if err := s.DB.Create(t).Error; err != nil {
		return 0, errs.NewPersistError("add_task", err)
	}
	return t.ID, nil
}

// GetTask returns the task with the given id, or (nil, nil) if absent.
func (s *Store) GetTask(id int64) (*Task, error) {
	var t Task
	err := s.DB.First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewPersistError("get_task", err)
	}
	return &t, nil
}

// GetByStatus returns all tasks with the given status.
func (s *Store) GetByStatus(status string) ([]Task, error) {
	var tasks []Task
	if err := s.DB.Where("status = ?", status).Order("priority asc, id asc").Find(&tasks).Error; err != nil {
		return nil, errs.NewPersistError("get_by_status", err)
	}
	return tasks, nil
}

// GetPending returns all tasks with status in {pending, queued}, ordered by
// ascending priority then ascending id, the order the Scheduler rehydrates
// its queue in on restart.
//
// A task found in status=downloading has no Worker in a freshly-started
// process (a Worker only exists for the lifetime of the process that
// created it): its prior execution was interrupted by the crash, so it is
// recycled to queued here before being handed back.
func (s *Store) GetPending() ([]Task, error) {
	if err := s.DB.Model(&Task{}).
		Where("status = ?", StatusDownloading).
		Updates(map[string]any{"status": StatusQueued, "updated_at": time.Now()}).Error; err != nil {
		return nil, errs.NewPersistError("get_pending: recycle interrupted", err)
	}

	var tasks []Task
	err := s.DB.
		Where("status IN ?", []string{StatusPending, StatusQueued}).
		Order("priority asc, id asc").
		Find(&tasks).Error
	if err != nil {
		return nil, errs.NewPersistError("get_pending", err)
	}
	return tasks, nil
}

// UpdateTask applies a partial update and reports whether a row matched.
// Safe to call repeatedly with the same patch (progress streams are
// throttled but not deduplicated upstream).
func (s *Store) UpdateTask(id int64, patch map[string]any) (bool, error) {
	patch["updated_at"] = time.Now()
	res := s.DB.Model(&Task{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return false, errs.NewPersistError("update_task", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteTask soft-deletes a task row.
func (s *Store) DeleteTask(id int64) (bool, error) {
	res := s.DB.Delete(&Task{}, id)
	if res.Error != nil {
		return false, errs.NewPersistError("delete_task", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetSelectedFiles and SelectedFiles round-trip Task.SelectedFilesJS.
func (t *Task) SetSelectedFiles(files []string) error {
	b, err := json.Marshal(files)
	if err != nil {
		return err
	}
	t.SelectedFilesJS = string(b)
	return nil
}

func (t *Task) SelectedFiles() []string {
	if t.SelectedFilesJS == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(t.SelectedFilesJS), &out)
	return out
}

// GetFileChecksum returns the expected checksum for one file within a task,
// if the caller previously recorded one via a FileEntry row. Absence is not
// an error: verification only runs when a checksum was explicitly supplied.
func (s *Store) GetFileChecksum(taskID int64, path string) (string, bool, error) {
	var fe FileEntry
	err := s.DB.First(&fe, "task_id = ? AND path = ?", taskID, path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.NewPersistError("get_file_checksum", err)
	}
	if fe.Checksum == "" {
		return "", false, nil
	}
	return fe.Checksum, true, nil
}

// SetFileVerified marks a FileEntry row verified after a successful
// checksum comparison, upserting the row if it does not yet exist.
func (s *Store) SetFileVerified(taskID int64, path string, verified bool) error {
	var fe FileEntry
	err := s.DB.First(&fe, "task_id = ? AND path = ?", taskID, path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fe = FileEntry{TaskID: taskID, Path: path}
	} else if err != nil {
		return errs.NewPersistError("set_file_verified", err)
	}
	fe.Verified = verified
	if err := s.DB.Save(&fe).Error; err != nil {
		return errs.NewPersistError("set_file_verified", err)
	}
	return nil
}

// UpsertFileEntry records or refreshes the per-file row for
// (TaskID, Path). Size, downloaded bytes, and status overwrite the prior
// row; checksum and verified are preserved across the upsert.
func (s *Store) UpsertFileEntry(fe *FileEntry) error {
	if err := s.DB.Clauses(upsertFileEntryClause).Create(fe).Error; err != nil {
		return errs.NewPersistError("upsert_file_entry", err)
	}
	return nil
}

// GetFileEntries returns every per-file row of a task, ordered by path.
func (s *Store) GetFileEntries(taskID int64) ([]FileEntry, error) {
	var rows []FileEntry
	if err := s.DB.Where("task_id = ?", taskID).Order("path asc").Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_file_entries", err)
	}
	return rows, nil
}

// AppendHistory inserts an immutable completion snapshot.
func (s *Store) AppendHistory(h *HistoryEntry) (uint, error) {
	if err := s.DB.Create(h).Error; err != nil {
		return 0, errs.NewPersistError("append_history", err)
	}
	return h.ID, nil
}

// GetHistory returns up to limit history rows, most recent first, optionally
// restricted to favorites.
func (s *Store) GetHistory(limit int, favoritesOnly bool) ([]HistoryEntry, error) {
	q := s.DB.Order("completed_at desc")
	if favoritesOnly {
		q = q.Where("is_favorite = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []HistoryEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_history", err)
	}
	return rows, nil
}

// ToggleFavorite flips IsFavorite on a history row and reports whether a row
// matched.
func (s *Store) ToggleFavorite(id uint) (bool, error) {
	var h HistoryEntry
	if err := s.DB.First(&h, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, errs.NewPersistError("toggle_favorite", err)
	}
	h.IsFavorite = !h.IsFavorite
	if err := s.DB.Save(&h).Error; err != nil {
		return false, errs.NewPersistError("toggle_favorite", err)
	}
	return true, nil
}

// SetSetting upserts a key/value pair in the free-form settings space.
func (s *Store) SetSetting(key, value string) error {
	err := s.DB.Clauses(upsertSettingClause).Create(&AppSetting{Key: key, Value: value}).Error
	if err != nil {
		return errs.NewPersistError("set_setting", err)
	}
	return nil
}

// GetSetting returns the stored value for key, or def if absent.
func (s *Store) GetSetting(key, def string) (string, error) {
	var row AppSetting
	err := s.DB.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, errs.NewPersistError("get_setting", err)
	}
	return row.Value, nil
}

// GetAllSettings returns every stored key/value pair.
func (s *Store) GetAllSettings() (map[string]string, error) {
	var rows []AppSetting
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_all_settings", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// AddLocalModel upserts on FilePath.
func (s *Store) AddLocalModel(rec *LocalModelRecord) error {
	err := s.DB.Clauses(upsertLocalModelClause).Create(rec).Error
	if err != nil {
		return errs.NewPersistError("add_local_model", err)
	}
	return nil
}

// GetLocalModels returns all scanned local models, optionally filtered by
// model type.
func (s *Store) GetLocalModels(typeFilter string) ([]LocalModelRecord, error) {
	q := s.DB.Model(&LocalModelRecord{})
	if typeFilter != "" {
		q = q.Where("model_type = ?", typeFilter)
	}
	var rows []LocalModelRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_local_models", err)
	}
	return rows, nil
}

// DuplicateGroup is one (hash, records) cluster with count >= 2.
type DuplicateGroup struct {
	Hash    string
	Records []LocalModelRecord
}

// FindDuplicates groups local models by non-null FileHash with count >= 2.
func (s *Store) FindDuplicates() ([]DuplicateGroup, error) {
	var rows []LocalModelRecord
	if err := s.DB.Where("file_hash <> ''").Order("file_hash").Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("find_duplicates", err)
	}
	byHash := map[string][]LocalModelRecord{}
	for _, r := range rows {
		byHash[r.FileHash] = append(byHash[r.FileHash], r)
	}
	var groups []DuplicateGroup
	for hash, recs := range byHash {
		if len(recs) >= 2 {
			groups = append(groups, DuplicateGroup{Hash: hash, Records: recs})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Hash < groups[j].Hash })
	return groups, nil
}

// AddLocation upserts a named save-path bookmark by Path.
func (s *Store) AddLocation(loc *NamedLocation) error {
	err := s.DB.Clauses(upsertLocationClause).Create(loc).Error
	if err != nil {
		return errs.NewPersistError("add_location", err)
	}
	return nil
}

// GetLocations returns all bookmarked save paths.
func (s *Store) GetLocations() ([]NamedLocation, error) {
	var rows []NamedLocation
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_locations", err)
	}
	return rows, nil
}

// SaveProfile upserts a profile by Name. The core stores profiles opaquely;
// it never interprets them beyond handing the row back.
func (s *Store) SaveProfile(p *Profile) error {
	if err := s.DB.Clauses(upsertProfileClause).Create(p).Error; err != nil {
		return errs.NewPersistError("save_profile", err)
	}
	return nil
}

// GetProfile returns the profile with the given name, or (nil, nil) if
// absent.
func (s *Store) GetProfile(name string) (*Profile, error) {
	var p Profile
	err := s.DB.First(&p, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewPersistError("get_profile", err)
	}
	return &p, nil
}

// GetProfiles returns every stored profile.
func (s *Store) GetProfiles() ([]Profile, error) {
	var rows []Profile
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_profiles", err)
	}
	return rows, nil
}

// SaveToken upserts a credential by Name.
func (s *Store) SaveToken(tok *Token) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now()
	}
	if err := s.DB.Clauses(upsertTokenClause).Create(tok).Error; err != nil {
		return errs.NewPersistError("save_token", err)
	}
	return nil
}

// GetToken returns the credential with the given name, or (nil, nil) if
// absent.
func (s *Store) GetToken(name string) (*Token, error) {
	var tok Token
	err := s.DB.First(&tok, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewPersistError("get_token", err)
	}
	return &tok, nil
}

// GetTokenForPlatform returns the most recently stored credential for a
// platform, or (nil, nil) if none exists.
func (s *Store) GetTokenForPlatform(platform string) (*Token, error) {
	var tok Token
	err := s.DB.Where("platform = ?", platform).Order("created_at desc").First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewPersistError("get_token_for_platform", err)
	}
	return &tok, nil
}

// DeleteToken removes a credential by name and reports whether a row
// matched.
func (s *Store) DeleteToken(name string) (bool, error) {
	res := s.DB.Where("name = ?", name).Delete(&Token{})
	if res.Error != nil {
		return false, errs.NewPersistError("delete_token", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementDailyBytes and IncrementDailyFiles accumulate today's DailyStat
// row, backing the statistics views.
func (s *Store) IncrementDailyBytes(n int64) error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Bytes += n })
}

func (s *Store) IncrementDailyFiles(n int64) error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Files += n })
}

func (s *Store) bumpDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	var d DailyStat
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&d, "date = ?", today).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d = DailyStat{Date: today}
		} else if err != nil {
			return err
		}
		mutate(&d)
		return tx.Save(&d).Error
	})
	if err != nil {
		return errs.NewPersistError("increment_daily_stat", err)
	}
	return nil
}

// GetDailyStats returns the last n days of DailyStat rows, most recent
// first.
func (s *Store) GetDailyStats(days int) ([]DailyStat, error) {
	var rows []DailyStat
	if err := s.DB.Order("date desc").Limit(days).Find(&rows).Error; err != nil {
		return nil, errs.NewPersistError("get_daily_stats", err)
	}
	return rows, nil
}

// LifetimeStats aggregates every DailyStat row.
type LifetimeStats struct {
	TotalBytes int64
	TotalFiles int64
}

func (s *Store) GetLifetimeStats() (LifetimeStats, error) {
	var out LifetimeStats
	err := s.DB.Model(&DailyStat{}).
		Select("COALESCE(SUM(bytes),0) as total_bytes, COALESCE(SUM(files),0) as total_files").
		Scan(&out).Error
	if err != nil {
		return out, errs.NewPersistError("get_lifetime_stats", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
