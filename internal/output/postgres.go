package output

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mevscan/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresArchive 机会归档存储
// 可选组件：配置启用时每个终态机会落一行，供离线分析查询
type PostgresArchive struct {
	db     *sql.DB
	logger *logrus.Logger
}

// archiveSchema 归档表结构，启动时幂等创建
const archiveSchema = `
CREATE TABLE IF NOT EXISTS mev_opportunities (
    id             TEXT PRIMARY KEY,
    target_tx_hash TEXT,
    strategy       TEXT NOT NULL,
    status         TEXT NOT NULL,
    profit_wei     NUMERIC(78, 0) NOT NULL,
    profit_fiat    NUMERIC(24, 8) NOT NULL,
    gas_used       BIGINT NOT NULL DEFAULT 0,
    detail         JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    archived_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mev_opportunities_created_at ON mev_opportunities (created_at);
CREATE INDEX IF NOT EXISTS idx_mev_opportunities_strategy ON mev_opportunities (strategy);
`

// NewPostgresArchive 连接归档数据库并初始化表结构
func NewPostgresArchive(dsn string, logger *logrus.Logger) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开归档数据库失败: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("归档数据库连通性验证失败: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化归档表结构失败: %w", err)
	}

	logger.Info("Postgres归档存储已初始化")
	return &PostgresArchive{db: db, logger: logger}, nil
}

// Archive 归档一个机会，重复归档按最新状态覆盖
func (p *PostgresArchive) Archive(opp *models.Opportunity) error {
	if opp == nil {
		return nil
	}

	detail, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("机会序列化失败: %w", err)
	}

	targetHash := sql.NullString{}
	if opp.TargetTxHash != nil {
		targetHash = sql.NullString{String: opp.TargetTxHash.Hex(), Valid: true}
	}

	_, err = p.db.Exec(`
		INSERT INTO mev_opportunities (id, target_tx_hash, strategy, status, profit_wei, profit_fiat, gas_used, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    gas_used = EXCLUDED.gas_used,
		    detail = EXCLUDED.detail,
		    archived_at = now()`,
		opp.ID,
		targetHash,
		string(opp.Type),
		string(opp.Status),
		opp.EstimatedProfitWei.String(),
		opp.EstimatedProfitFiat.String(),
		int64(opp.GasUsed),
		detail,
		opp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入归档失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgresArchive) Close() error {
	return p.db.Close()
}
