package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proxychain/internal/shared/logger"
	"proxychain/proxypool/model"
)

// SQLiteStorage 把节点缓存保存在 SQLite 中。
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage 打开 (或创建) 数据库并建表。
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接即可，避免 SQLite 写锁竞争
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	// 数据库文件包含节点凭据
	_ = os.Chmod(dbPath, 0600)

	return &SQLiteStorage{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS nodes (
		source_name TEXT NOT NULL,
		position INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		source TEXT NOT NULL,
		country_code TEXT NOT NULL DEFAULT '',
		share_uri TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_name, node_id)
	);
	CREATE TABLE IF NOT EXISTS port_leases (
		pair_key TEXT PRIMARY KEY,
		port INTEGER NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

// Load 按来源与原始顺序读出节点
func (s *SQLiteStorage) Load() (map[string][]*model.Node, error) {
	l := logger.WithComponent("ProxyPool/Storage")

	rows, err := s.db.Query(`SELECT source_name, source, country_code, share_uri FROM nodes ORDER BY source_name, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bySource := make(map[string][]*model.Node)
	total := 0
	for rows.Next() {
		var name, source, code, share string
		if err := rows.Scan(&name, &source, &code, &share); err != nil {
			return nil, err
		}
		n, err := restoreNode(share, model.Source(source), code)
		if err != nil {
			l.Warn().Err(err).Str("source", name).Msg("Failed to restore node from row, skipping.")
			continue
		}
		bySource[name] = append(bySource[name], n)
		total++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", total).Int("sources", len(bySource)).Msg("Successfully loaded node cache.")
	return bySource, nil
}

// Save 在一个事务中整体替换缓存内容
func (s *SQLiteStorage) Save(bySource map[string][]*model.Node) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO nodes (source_name, position, node_id, source, country_code, share_uri, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for name, nodes := range bySource {
		for i, n := range nodes {
			if _, err := stmt.Exec(name, i, n.ID, string(n.Source), countryCode(n), n.ShareURI(), now); err != nil {
				return fmt.Errorf("failed to insert node: %w", err)
			}
		}
	}
	return tx.Commit()
}

// LoadPorts 读出端口租约
func (s *SQLiteStorage) LoadPorts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT pair_key, port FROM port_leases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leases := make(map[string]int)
	for rows.Next() {
		var key string
		var port int
		if err := rows.Scan(&key, &port); err != nil {
			return nil, err
		}
		leases[key] = port
	}
	return leases, rows.Err()
}

// SavePorts 在一个事务中整体替换端口租约
func (s *SQLiteStorage) SavePorts(leases map[string]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM port_leases`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO port_leases (pair_key, port, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, port := range leases {
		if _, err := stmt.Exec(key, port, now); err != nil {
			return fmt.Errorf("failed to insert port lease: %w", err)
		}
	}
	return tx.Commit()
}

// Close 关闭数据库
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
