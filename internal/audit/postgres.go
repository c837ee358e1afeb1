package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"scathat/pkg/models"
)

// schema 审计表结构，只追加不更新
var schema = []string{
	`CREATE TABLE IF NOT EXISTS risk_assessments (
		seq              BIGSERIAL PRIMARY KEY,
		id               TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		payload          JSONB NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_assessments_address ON risk_assessments (contract_address, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS risk_writebacks (
		seq              BIGSERIAL PRIMARY KEY,
		id               TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		success          BOOLEAN NOT NULL,
		tx_hash          TEXT,
		payload          JSONB NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_writebacks_address ON risk_writebacks (contract_address, seq DESC)`,
}

// PostgresStore 基于PostgreSQL的审计存储
type PostgresStore struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并创建表结构
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	store, err := NewPostgresStoreFromDB(context.Background(), db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB 使用已有连接创建审计存储
func NewPostgresStoreFromDB(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("初始化审计表失败: %w", err)
		}
	}
	return &PostgresStore{DB: db, logger: logger}, nil
}

// SaveAssessment 记录一次评估
func (s *PostgresStore) SaveAssessment(ctx context.Context, a models.Assessment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO risk_assessments (id, contract_address, payload, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, addressKey(a.ContractAddress), payload, a.CreatedAt)
	return err
}

// SaveReceipt 记录一次写入回执
func (s *PostgresStore) SaveReceipt(ctx context.Context, r models.WriteReceipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO risk_writebacks (id, contract_address, success, tx_hash, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, addressKey(r.ContractAddress), r.Success, sql.NullString{String: r.TxHash, Valid: r.TxHash != ""}, payload, r.CreatedAt)
	return err
}

// query 按序号倒序读取payload
func (s *PostgresStore) query(ctx context.Context, table, address string, limit int, decode func([]byte) error) error {
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE contract_address = $1 ORDER BY seq DESC`, table)
	args := []interface{}{addressKey(address)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := decode(payload); err != nil {
			return fmt.Errorf("解析审计记录失败: %w", err)
		}
	}
	return rows.Err()
}

// Receipts 查询地址的写入回执
func (s *PostgresStore) Receipts(ctx context.Context, address string, limit int) ([]models.WriteReceipt, error) {
	out := make([]models.WriteReceipt, 0)
	err := s.query(ctx, "risk_writebacks", address, limit, func(data []byte) error {
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
func (s *PostgresStore) Assessments(ctx context.Context, address string, limit int) ([]models.Assessment, error) {
	out := make([]models.Assessment, 0)
	err := s.query(ctx, "risk_assessments", address, limit, func(data []byte) error {
		var a models.Assessment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
