package sync

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Metadata keys persisted in sync_metadata.
const (
	MetaLastSyncAt   = "sync.last_sync_at"
	MetaLastIdentity = "sync.last_identity"
)

func (m *Manager) saveCheckpoint(identity string, at time.Time) error {
	if err := m.db.SetMeta(MetaLastSyncAt, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if identity != "" {
		if err := m.db.SetMeta(MetaLastIdentity, identity); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return nil
}

// restoreLastSync seeds the status with the last persisted sync time so
// restarts keep reporting it.
func (m *Manager) restoreLastSync() {
	v, ok, err := m.db.GetMeta(MetaLastSyncAt)
	if err != nil || !ok {
		if err != nil {
			m.logger.Debug("no sync checkpoint", zap.Error(err))
		}
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		m.logger.Warn("bad sync checkpoint", zap.String("value", v), zap.Error(err))
		return
	}
	m.status.Restore(time.UnixMilli(ms))
}

// LastIdentity returns the identity of the last successful sync, if any.
func (m *Manager) LastIdentity() (string, bool) {
	v, ok, err := m.db.GetMeta(MetaLastIdentity)
	if err != nil || !ok {
		return "", false
	}
	return v, true
}
