package backup

import (
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/manifest"
)

// State is the service's observable state. Values handed out by the service are
// copies; mutating them has no effect on the service.
type State struct {
	BackupInProgress        bool         `json:"backupInProgress"`
	RecoveryInProgress      bool         `json:"recoveryInProgress"`
	ScheduledBackupsEnabled bool         `json:"scheduledBackupsEnabled"`
	LastBackupDate          *time.Time   `json:"lastBackupDate,omitempty"`
	LastBackupFileName      string       `json:"lastBackupFileName,omitempty"`
	EncryptionEnabled       bool         `json:"encryptionEnabled"`
	LastArchive             *ArchiveInfo `json:"lastArchive,omitempty"`
}

// ArchiveInfo summarizes the most recently sampled archive.
type ArchiveInfo struct {
	Path        string    `json:"path"`
	Date        time.Time `json:"date"`
	AppName     string    `json:"appName"`
	AppVersion  string    `json:"appVersion"`
	ProfileName string    `json:"profileName"`
	MachineName string    `json:"machineName"`
	Encrypted   bool      `json:"encrypted"`
	Size        int64     `json:"size"`
}

func (s State) clone() State {
	out := s
	if s.LastBackupDate != nil {
		d := *s.LastBackupDate
		out.LastBackupDate = &d
	}
	if s.LastArchive != nil {
		a := *s.LastArchive
		out.LastArchive = &a
	}
	return out
}

func archiveInfo(s *archive.Sample) *ArchiveInfo {
	return &ArchiveInfo{
		Path:        s.Path,
		Date:        s.Header.Meta.Date,
		AppName:     s.Header.Meta.AppName,
		AppVersion:  s.Header.Meta.AppVersion,
		ProfileName: s.Header.Meta.ProfileName,
		MachineName: s.Header.Meta.MachineName,
		Encrypted:   s.Encrypted(),
		Size:        s.Size,
	}
}

// BackupResult is returned when a backup completes.
type BackupResult struct {
	Path      string             `json:"path"`
	FileName  string             `json:"fileName"`
	Date      time.Time          `json:"date"`
	Encrypted bool               `json:"encrypted"`
	Size      int64              `json:"size"`
	Manifest  *manifest.Manifest `json:"manifest"`
	Duration  time.Duration      `json:"duration"`
}

// Profile describes a profile created by recovery.
type Profile struct {
	Name      string             `json:"name"`
	Dir       string             `json:"dir"`
	Manifest  *manifest.Manifest `json:"manifest"`
	Recovered []string           `json:"recovered"`
	Encrypted bool               `json:"encrypted"`
}
