package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Store 执行历史持久化存储
// 按天分桶，桶内按执行时间排序，重启后风控账目与统计可以回放
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// NewStore 打开或创建历史数据库
func NewStore(path string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建历史目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开历史数据库失败: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// bucketName 按执行日期分桶
func bucketName(t time.Time) []byte {
	return []byte(t.Format("2006-01-02"))
}

// Append 追加一条执行记录
func (s *Store) Append(record *models.ExecutionRecord) error {
	if record == nil {
		return nil
	}
	executedAt := record.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("执行记录序列化失败: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(executedAt))
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%019d_%s", executedAt.UnixNano(), record.OpportunityID))
		return bucket.Put(key, data)
	})
}

// ListDay 读取指定日期的全部执行记录
func (s *Store) ListDay(day time.Time) ([]*models.ExecutionRecord, error) {
	var records []*models.ExecutionRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(day))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record models.ExecutionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				// 损坏条目跳过，不中断整日读取
				s.logger.Warnf("历史记录 %s 反序列化失败: %v", string(k), err)
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

// ListRecent 读取最近N天的执行记录
func (s *Store) ListRecent(days int) ([]*models.ExecutionRecord, error) {
	var all []*models.ExecutionRecord
	now := time.Now()
	for i := days - 1; i >= 0; i-- {
		records, err := s.ListDay(now.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}
