package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"scathat/pkg/models"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/audit.db"

	// 存储桶名称，每个地址一个子桶
	AssessmentBucket = "assessments"
	ReceiptBucket    = "receipts"
)

// BoltStore 基于BoltDB的本地审计存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewBoltStore 创建本地审计存储
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开审计数据库失败: %w", err)
	}

	store := &BoltStore{db: db, logger: logger, dbPath: dbPath}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("审计存储已初始化，数据库路径: %s", dbPath)
	return store, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{AssessmentBucket, ReceiptBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// appendRecord 以自增序号追加记录，已有记录不会被覆盖
func (s *BoltStore) appendRecord(bucket, address string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return fmt.Errorf("存储桶 %s 不存在", bucket)
		}
		b, err := root.CreateBucketIfNotExists([]byte(addressKey(address)))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// readRecords 倒序读取地址的记录
func (s *BoltStore) readRecords(bucket, address string, limit int, decode func([]byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(addressKey(address)))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		n := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && n >= limit {
				break
			}
			if err := decode(v); err != nil {
				return fmt.Errorf("解析审计记录失败: %w", err)
			}
			n++
		}
		return nil
	})
}

// SaveAssessment 记录一次评估
func (s *BoltStore) SaveAssessment(_ context.Context, a models.Assessment) error {
	return s.appendRecord(AssessmentBucket, a.ContractAddress, a)
}

// SaveReceipt 记录一次写入回执
func (s *BoltStore) SaveReceipt(_ context.Context, r models.WriteReceipt) error {
	return s.appendRecord(ReceiptBucket, r.ContractAddress, r)
}

// Receipts 查询地址的写入回执
func (s *BoltStore) Receipts(_ context.Context, address string, limit int) ([]models.WriteReceipt, error) {
	out := make([]models.WriteReceipt, 0)
	err := s.readRecords(ReceiptBucket, address, limit, func(data []byte) error {
		var r models.WriteReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Assessments 查询地址的评估记录
func (s *BoltStore) Assessments(_ context.Context, address string, limit int) ([]models.Assessment, error) {
	out := make([]models.Assessment, 0)
	err := s.readRecords(AssessmentBucket, address, limit, func(data []byte) error {
		var a models.Assessment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// Stats 各存储桶的地址数与记录数
func (s *BoltStore) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{AssessmentBucket, ReceiptBucket} {
			root := tx.Bucket([]byte(name))
			if root == nil {
				continue
			}
			addresses, records := 0, 0
			err := root.ForEachBucket(func(k []byte) error {
				addresses++
				records += root.Bucket(k).Stats().KeyN
				return nil
			})
			if err != nil {
				return err
			}
			stats[name] = map[string]int{"addresses": addresses, "records": records}
		}
		return nil
	})
	stats["db_path"] = s.dbPath
	return stats, err
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
