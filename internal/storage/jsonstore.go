// internal/storage/jsonstore.go
//
// 提供 JSON 快照 (Snapshot) 的序列化與反序列化實作。
// 採「原子寫入」策略：先寫入 .tmp 檔並 fsync，再以 rename() 取代原檔，
// 中途寫入失敗不會損壞既有快照。
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	snapshotStorage = "json_snapshot"
	snapshotVersion = 2
)

// LoadSnapshot 讀取指定路徑的 JSON 快照。
// 檔案不存在時回傳 os.ErrNotExist（可用 errors.Is 判斷），呼叫端通常以空狀態啟動。
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Meta.Version > snapshotVersion {
		return snap, fmt.Errorf("snapshot %s: unsupported version %d", path, snap.Meta.Version)
	}
	return snap, nil
}

// SaveSnapshot 將 Snapshot 序列化為 JSON 檔案，並採原子方式寫入。
func SaveSnapshot(path string, snap Snapshot) error {
	snap.Meta.Storage = snapshotStorage
	snap.Meta.Version = snapshotVersion
	snap.Meta.Timestamp = time.Now()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
