package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordBackup(t *testing.T) {
	m := &Metrics{startTime: time.Now()}
	m.IncBackups()
	m.RecordBackup(2048, 1500*time.Millisecond, time.Unix(1700000000, 0))
	m.IncBackups()
	m.IncBackupsFailed()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap["backups_total"])
	assert.Equal(t, int64(1), snap["backups_success"])
	assert.Equal(t, int64(1), snap["backups_failed"])
	assert.Equal(t, int64(2048), snap["last_backup_size_bytes"])
	assert.Equal(t, int64(1500), snap["backup_duration_sum_ms"])
	assert.Equal(t, int64(1700000000), snap["last_backup_timestamp"])
}

func TestPrometheusFormat(t *testing.T) {
	m := &Metrics{startTime: time.Now()}
	m.IncMirrorUploads()
	m.IncMirrorBytes(10)

	out := m.PrometheusFormat()
	assert.Contains(t, out, "# TYPE keepsake_mirror_uploads_total counter\n")
	assert.Contains(t, out, "keepsake_mirror_uploads_total 1\n")
	assert.Contains(t, out, "keepsake_mirror_bytes_total 10\n")

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		assert.Len(t, strings.Fields(line), 2, line)
	}
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
