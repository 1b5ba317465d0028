package store

import (
	"time"

	"gorm.io/gorm"
)

// Task is the durable row behind every submission. Only the Scheduler and
// the Worker that owns a task mutate it; everyone else sees snapshots.
type Task struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	RepoID          string `gorm:"index"`
	Platform        string `gorm:"index"`
	RepoType        string
	SavePath        string
	SelectedFilesJS string `gorm:"column:selected_files"` // JSON-encoded []string
	Priority        int    `gorm:"default:5;index"`
	ProfileID       *uint

	Status          string `gorm:"index;default:queued"`
	TotalBytes      int64
	DownloadedBytes int64
	SpeedBps        float64
	RetryCount      int
	ErrorMessage    string

	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// FileEntry tracks per-file progress within a Task. ResumeStore, not this
// row, is authoritative for resumption; Task.DownloadedBytes is the
// eventually-consistent sum over FileEntries.
type FileEntry struct {
	ID              uint   `gorm:"primaryKey"`
	TaskID          int64  `gorm:"uniqueIndex:idx_file_task_path"`
	Path            string `gorm:"uniqueIndex:idx_file_task_path"`
	Size            int64
	DownloadedBytes int64
	Status          string
	Checksum        string
	Verified        bool
}

// HistoryEntry is an append-only snapshot of a completed Task. Rows are
// immutable except for IsFavorite and Tags.
type HistoryEntry struct {
	ID              uint `gorm:"primaryKey"`
	RepoID          string
	Platform        string
	RepoType        string
	SavePath        string
	TotalBytes      int64
	DurationSeconds float64
	CompletedAt     time.Time
	IsFavorite      bool
	Tags            string
}

// NamedLocation is a bookmarked save-path.
type NamedLocation struct {
	Path     string `gorm:"primaryKey"`
	Nickname string
}

// Profile groups a platform, an optional stored token, and an endpoint
// override under one name.
type Profile struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"uniqueIndex"`
	Platform         string
	TokenID          *uint
	EndpointOverride string
}

// Token stores a bearer credential by name. The core treats its Value as
// opaque.
type Token struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	Platform  string
	Value     string
	CreatedAt time.Time
}

// LocalModelRecord backs the local-model scan feature.
type LocalModelRecord struct {
	ID        uint   `gorm:"primaryKey"`
	FilePath  string `gorm:"uniqueIndex"`
	FileHash  string `gorm:"index"`
	FileType  string
	ModelType string
	SizeBytes int64
	ScannedAt time.Time
}

// DailyStat is a per-day byte/file counter backing the statistics views.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Bytes int64
	Files int64
}

// AppSetting is the free-form key/value settings space.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
