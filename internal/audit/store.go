package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"scathat/pkg/models"
)

// Store 评估结果与写入回执的追加式审计存储
type Store interface {
	SaveAssessment(ctx context.Context, a models.Assessment) error
	SaveReceipt(ctx context.Context, r models.WriteReceipt) error
	// Receipts 按时间倒序返回地址的回执，limit<=0时返回全部
	Receipts(ctx context.Context, address string, limit int) ([]models.WriteReceipt, error)
	Assessments(ctx context.Context, address string, limit int) ([]models.Assessment, error)
	Close() error
}

// Config 审计存储配置
type Config struct {
	Backend     string // bolt, postgres, none
	BoltPath    string
	PostgresDSN string
}

// Open 按配置创建审计存储
func Open(cfg Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NopStore{}, nil
	case "bolt":
		s, err := NewBoltStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("不支持的审计存储: %s", cfg.Backend)
	}
}

// unknownAddress 未提供地址的评估记录归入该键
const unknownAddress = "unknown"

// addressKey 地址统一为小写作为索引键
func addressKey(address string) string {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return unknownAddress
	}
	return key
}

// NopStore 不记录任何内容
type NopStore struct{}

func (NopStore) SaveAssessment(context.Context, models.Assessment) error { return nil }
func (NopStore) SaveReceipt(context.Context, models.WriteReceipt) error  { return nil }
func (NopStore) Receipts(context.Context, string, int) ([]models.WriteReceipt, error) {
	return []models.WriteReceipt{}, nil
}
func (NopStore) Assessments(context.Context, string, int) ([]models.Assessment, error) {
	return []models.Assessment{}, nil
}
func (NopStore) Close() error { return nil }
