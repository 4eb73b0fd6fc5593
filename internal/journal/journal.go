package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"phonemarket/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/market.db"

	// 存储桶名称
	SnapshotBucket = "snapshot"
	PendingBucket  = "pending"
	MetaBucket     = "meta"

	lastSavedKey = "last_saved"
)

// Journal 本地日志库：最近一次应用的快照与已提交未结算的交易
type Journal struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	scope  []byte // 网络ID与合约地址，不同合约的数据互不覆盖
	mu     sync.Mutex
}

// Open 打开日志库
func Open(dbPath string, networkID uint64, contract string, logger *logrus.Logger) (*Journal, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		scope:  []byte(fmt.Sprintf("%d:%s", networkID, models.NormalizeAddress(contract))),
	}

	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Debugf("日志库已打开: %s", dbPath)
	return j, nil
}

// initDB 初始化存储桶
func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{SnapshotBucket, PendingBucket, MetaBucket} {
			root, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
			if name == SnapshotBucket {
				continue
			}
			if _, err := root.CreateBucketIfNotExists(j.scope); err != nil {
				return fmt.Errorf("创建存储桶 %s/%s 失败: %w", name, j.scope, err)
			}
		}
		return nil
	})
}

// SaveSnapshot 保存已应用的快照
func (j *Journal) SaveSnapshot(snap *models.Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(SnapshotBucket)).Put(j.scope, data); err != nil {
			return fmt.Errorf("保存快照失败: %w", err)
		}
		stamp, _ := time.Now().MarshalText()
		return tx.Bucket([]byte(MetaBucket)).Bucket(j.scope).Put([]byte(lastSavedKey), stamp)
	})
}

// LoadSnapshot 读取上次保存的快照，不存在时返回 nil
func (j *Journal) LoadSnapshot() (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SnapshotBucket)).Get(j.scope)
		if data == nil {
			return nil
		}
		snap = &models.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}
	if snap != nil {
		snap.Restored = true
	}
	return snap, nil
}

// PutPending 记录已提交的交易
func (j *Journal) PutPending(ptx *models.PendingTransaction) error {
	data, err := json.Marshal(ptx)
	if err != nil {
		return fmt.Errorf("序列化交易失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		return j.pending(tx).Put([]byte(ptx.ID), data)
	})
}

// DeletePending 交易结算后删除
func (j *Journal) DeletePending(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		return j.pending(tx).Delete([]byte(id))
	})
}

// ListPending 列出未结算的交易，按创建时间排序
func (j *Journal) ListPending() ([]*models.PendingTransaction, error) {
	var out []*models.PendingTransaction
	err := j.db.View(func(tx *bolt.Tx) error {
		return j.pending(tx).ForEach(func(k, v []byte) error {
			var ptx models.PendingTransaction
			if err := json.Unmarshal(v, &ptx); err != nil {
				j.logger.Warnf("跳过无法解析的交易记录 %s: %v", k, err)
				return nil
			}
			out = append(out, &ptx)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("读取交易记录失败: %w", err)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *Journal) pending(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket([]byte(PendingBucket)).Bucket(j.scope)
}

// Reset 清空当前网络与合约下的数据
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(SnapshotBucket)).Delete(j.scope); err != nil {
			return err
		}
		for _, name := range []string{PendingBucket, MetaBucket} {
			root := tx.Bucket([]byte(name))
			if err := root.DeleteBucket(j.scope); err != nil {
				return err
			}
			if _, err := root.CreateBucket(j.scope); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStats 获取统计信息
func (j *Journal) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"db_path": j.dbPath,
		"scope":   string(j.scope),
	}

	if snap, err := j.LoadSnapshot(); err == nil && snap != nil {
		stats["snapshot_seq"] = snap.Seq
		stats["snapshot_devices"] = len(snap.All)
		stats["snapshot_refreshed_at"] = snap.RefreshedAt.Format(time.RFC3339)
	}
	if pending, err := j.ListPending(); err == nil {
		stats["pending"] = len(pending)
	}
	_ = j.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(MetaBucket)).Bucket(j.scope).Get([]byte(lastSavedKey)); v != nil {
			stats["last_saved"] = string(v)
		}
		return nil
	})
	return stats
}

// Close 关闭日志库
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Debug("关闭日志库")
		return j.db.Close()
	}
	return nil
}
