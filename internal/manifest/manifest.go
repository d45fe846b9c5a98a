package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/go-playground/validator/v10"
)

// SchemaVersion is the manifest schema version written by this build. Manifests
// with a newer version are rejected on read.
const SchemaVersion = 1

// FileName is the name of the manifest inside a snapshot tree.
const FileName = "backup-manifest.json"

// Entry is the raw JSON a resource contributed to the manifest. A nil Entry means
// the resource produced no result at all; the JSON literal null means it had
// nothing to back up.
type Entry = json.RawMessage

// NullEntry is the entry recorded for a resource with nothing to back up.
var NullEntry = Entry("null")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Meta describes where and when a backup was produced.
type Meta struct {
	Date           time.Time `json:"date" validate:"required"`
	AppName        string    `json:"appName" validate:"required"`
	AppVersion     string    `json:"appVersion" validate:"required"`
	BuildID        string    `json:"buildID" validate:"required"`
	ProfileName    string    `json:"profileName" validate:"required"`
	MachineName    string    `json:"machineName" validate:"required"`
	OSName         string    `json:"osName" validate:"required"`
	OSVersion      string    `json:"osVersion"`
	LegacyClientID string    `json:"legacyClientID,omitempty" validate:"omitempty,uuid"`
	ProfileGroupID string    `json:"profileGroupID,omitempty"`
	AccountID      string    `json:"accountID,omitempty"`
	AccountEmail   string    `json:"accountEmail,omitempty" validate:"omitempty,email"`
}

// Manifest is the versioned index of what each resource contributed to a snapshot.
type Manifest struct {
	Version   int              `json:"version" validate:"required,min=1"`
	Meta      Meta             `json:"meta" validate:"required"`
	Resources map[string]Entry `json:"resources" validate:"required,dive,keys,required,endkeys"`
}

// New returns a manifest skeleton at the current schema version with no resources.
func New(meta Meta) *Manifest {
	return &Manifest{
		Version:   SchemaVersion,
		Meta:      meta,
		Resources: make(map[string]Entry),
	}
}

// ObjectEntry marshals v into an Entry. v must encode to a JSON object.
func ObjectEntry(v any) (Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest entry: %w", err)
	}
	if !isObjectOrNull(data) || bytes.Equal(data, NullEntry) {
		return nil, fmt.Errorf("manifest entry must be a JSON object, got %s", data)
	}
	return data, nil
}

// IsNull reports whether e is the JSON null literal.
func IsNull(e Entry) bool {
	return bytes.Equal(bytes.TrimSpace(e), NullEntry)
}

// Validate checks m against the manifest schema.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "manifest does not match schema")
	}
	if m.Version > SchemaVersion {
		return backuperr.New(backuperr.KindUnsupportedBackupVersion,
			"manifest version %d is newer than supported version %d", m.Version, SchemaVersion)
	}
	for key, entry := range m.Resources {
		if !isObjectOrNull(entry) {
			return backuperr.New(backuperr.KindCorruptedArchive,
				"manifest entry for resource %q must be an object or null", key)
		}
	}
	return nil
}

// Keys returns the resource keys in sorted order.
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.Resources))
	for k := range m.Resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal serializes a manifest to indented JSON.
func Marshal(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Parse decodes and validates a manifest. The version is checked before
// anything else is decoded so a newer manifest is never interpreted.
func Parse(data []byte) (*Manifest, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "manifest is not valid JSON")
	}
	if probe.Version == nil {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "manifest has no version")
	}
	if *probe.Version > SchemaVersion {
		return nil, backuperr.New(backuperr.KindUnsupportedBackupVersion,
			"manifest version %d is newer than supported version %d", *probe.Version, SchemaVersion)
	}

	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to unmarshal manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckCompatibility rejects manifests from another application or from a newer
// version of this one. Recovering an older backup into a newer application is allowed.
func CheckCompatibility(m *Manifest, appName, appVersion string) error {
	if m.Meta.AppName != appName {
		return backuperr.New(backuperr.KindUnsupportedApplication,
			"backup was created by %q, not %q", m.Meta.AppName, appName)
	}

	backupVersion, err := semver.NewVersion(m.Meta.AppVersion)
	if err != nil {
		return backuperr.Wrap(backuperr.KindUnsupportedBackupVersion, err,
			"cannot interpret backup application version %q", m.Meta.AppVersion)
	}
	running, err := semver.NewVersion(appVersion)
	if err != nil {
		return fmt.Errorf("invalid running application version %q: %w", appVersion, err)
	}
	if backupVersion.GreaterThan(running) {
		return backuperr.New(backuperr.KindUnsupportedBackupVersion,
			"backup application version %s is newer than running version %s", backupVersion, running)
	}
	return nil
}

// Write stores the manifest as FileName inside dir.
func Write(dir string, m *Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Read loads and validates the manifest stored inside dir.
func Read(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, backuperr.New(backuperr.KindCorruptedArchive, "snapshot has no %s", FileName)
		}
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to read manifest")
	}
	return Parse(data)
}

func isObjectOrNull(e Entry) bool {
	trimmed := bytes.TrimSpace(e)
	if bytes.Equal(trimmed, NullEntry) {
		return true
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
