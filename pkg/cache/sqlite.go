package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"finapi/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_cache (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source      TEXT    NOT NULL,
	query_key   TEXT    NOT NULL,
	data        BLOB    NOT NULL,
	written_at  INTEGER NOT NULL,
	ttl_minutes INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	UNIQUE(source, query_key)
);
CREATE INDEX IF NOT EXISTS idx_api_cache_expires_at ON api_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_api_cache_written_at ON api_cache(written_at);
`

// cacheRow 对应 api_cache 表的一行，时间为 unix 纳秒
type cacheRow struct {
	Source     string `db:"source"`
	QueryKey   string `db:"query_key"`
	Data       []byte `db:"data"`
	WrittenAt  int64  `db:"written_at"`
	TTLMinutes int    `db:"ttl_minutes"`
}

func (r cacheRow) entry() Entry {
	return Entry{
		Source:     r.Source,
		Key:        r.QueryKey,
		Payload:    r.Data,
		WrittenAt:  time.Unix(0, r.WrittenAt),
		TTLMinutes: r.TTLMinutes,
	}
}

// SQLiteStore 基于 SQLite 文件的持久缓存，可在多个 goroutine 和进程间共享。
type SQLiteStore struct {
	db   *sqlx.DB
	path string
	now  func() time.Time
	log  *logger.Entry
}

// NewSQLiteStore 打开(必要时创建)缓存数据库并初始化表结构
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := newOptions(opts)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioError("create cache directory", "", "", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, ioError("open cache database", "", "", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, ioError("init cache schema", "", "", err)
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
		now:  o.now,
		log:  logger.WithComponent("cache").WithField("backend", "sqlite"),
	}
	s.log.Debugf("缓存数据库已打开: %s", path)
	return s, nil
}

// Get 获取未过期条目，过期条目顺带删除
func (s *SQLiteStore) Get(ctx context.Context, source, key string) (Entry, bool, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row,
		`SELECT source, query_key, data, written_at, ttl_minutes FROM api_cache WHERE source = ? AND query_key = ?`,
		source, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, ioError("read cache entry", source, key, err)
	}

	entry := row.entry()
	if entry.Expired(s.now()) {
		// 只删除读到的这一版，避免误删并发写入的新值
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM api_cache WHERE source = ? AND query_key = ? AND written_at = ?`,
			source, key, row.WrittenAt); err != nil {
			s.log.WithError(err).Warnf("删除过期缓存失败: %s/%s", source, key)
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set 写入或覆盖条目
func (s *SQLiteStore) Set(ctx context.Context, source, key string, payload []byte, ttlMinutes int) error {
	now := s.now()
	expires := now.Add(time.Duration(ttlMinutes) * time.Minute)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO api_cache (source, query_key, data, written_at, ttl_minutes, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		source, key, payload, now.UnixNano(), ttlMinutes, expires.UnixNano())
	if err != nil {
		return ioError("write cache entry", source, key, err)
	}
	return nil
}

// ClearExpired 删除所有过期条目
func (s *SQLiteStore) ClearExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, ioError("clear expired entries", "", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioError("clear expired entries", "", "", err)
	}
	if n > 0 {
		s.log.Infof("已清理 %d 条过期缓存", n)
	}
	return n, nil
}

// ClearSource 删除某个来源的全部条目
func (s *SQLiteStore) ClearSource(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE source = ?`, source)
	if err != nil {
		return 0, ioError("clear source entries", source, "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioError("clear source entries", source, "", err)
	}
	s.log.Infof("已清理来源 %s 的 %d 条缓存", source, n)
	return n, nil
}

// Stats 统计条目总数、各来源条目数和最近一小时写入数
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		BySource: make(map[string]int64),
		Backend:  "sqlite",
		Location: s.path,
	}

	if err := s.db.GetContext(ctx, &stats.TotalEntries, `SELECT COUNT(*) FROM api_cache`); err != nil {
		return Stats{}, ioError("count cache entries", "", "", err)
	}

	var groups []struct {
		Source string `db:"source"`
		Count  int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &groups, `SELECT source, COUNT(*) AS n FROM api_cache GROUP BY source`); err != nil {
		return Stats{}, ioError("count cache entries by source", "", "", err)
	}
	for _, g := range groups {
		stats.BySource[g.Source] = g.Count
	}

	since := s.now().Add(-RecentWindow).UnixNano()
	if err := s.db.GetContext(ctx, &stats.RecentEntries, `SELECT COUNT(*) FROM api_cache WHERE written_at > ?`, since); err != nil {
		return Stats{}, ioError("count recent entries", "", "", err)
	}
	return stats, nil
}

// Path 数据库文件路径
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
