// Package sqlite provides a SQLite-backed implementation of [storage.Store].
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const (
	kindSortedSet = 1
	kindSet       = 2
	kindList      = 3
	kindHash      = 4
)

func kindName(kind int) string {
	switch kind {
	case kindSortedSet:
		return "sorted-set"
	case kindSet:
		return "set"
	case kindList:
		return "list"
	case kindHash:
		return "hash"
	default:
		return "unknown"
	}
}

// kindTables maps a kind to the table holding its members.
var kindTables = map[int]string{
	kindSortedSet: "sorted_set_members",
	kindSet:       "set_members",
	kindList:      "list_items",
	kindHash:      "hash_fields",
}

// Config holds the configurable options of a sqlite Datastore.
type Config struct {
	Logger        logger.Logger
	ExportMetrics bool
}

// Datastore provides a SQLite based implementation of [storage.Store].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	clock            func() time.Time
}

var _ storage.Store = (*Datastore)(nil)

// PrepareDSN sets defaults for journal mode, busy timeout and transaction
// locking on a raw DSN if not already specified.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "viewkeeper")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           log,
		dbStatsCollector: collector,
		clock:            time.Now,
	}, nil
}

// Close see [storage.Store].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// IsReady see [storage.Store].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return storage.ReadinessStatus{}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// withTx runs fn inside one transaction, retrying begin and commit on
// SQLITE_BUSY.
func (s *Datastore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	if err := fn(txn); err != nil {
		return err
	}

	return busyRetry(txn.Commit)
}

// visibleKind returns the kind stored under key, treating keys past their
// expiry as absent. Expired rows are reaped by the write path, not here.
func (s *Datastore) visibleKind(ctx context.Context, run sq.BaseRunner, key string) (int, bool, error) {
	var kind int
	var expiresAt sql.NullInt64
	err := sq.
		Select("key_kinds.kind", "key_expiry.expires_at").
		From("key_kinds").
		LeftJoin("key_expiry ON key_expiry.key = key_kinds.key").
		Where(sq.Eq{"key_kinds.key": key}).
		RunWith(run).
		QueryRowContext(ctx).
		Scan(&kind, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, HandleSQLError(err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.clock().Unix() {
		return 0, false, nil
	}
	return kind, true, nil
}

// checkKind verifies that key, if visible, holds the wanted kind. ok is
// false when the key is absent or expired.
func (s *Datastore) checkKind(ctx context.Context, run sq.BaseRunner, key string, want int) (bool, error) {
	kind, ok, err := s.visibleKind(ctx, run, key)
	if err != nil || !ok {
		return false, err
	}
	if kind != want {
		return false, storage.WrongKindError(key, kindName(want), kindName(kind))
	}
	return true, nil
}

// ensureKind claims key for the wanted kind inside a write transaction,
// reaping it first if expired.
func (s *Datastore) ensureKind(ctx context.Context, tx *sql.Tx, key string, want int) error {
	if err := s.reapIfExpired(ctx, tx, key); err != nil {
		return err
	}

	var kind int
	err := sq.
		Select("kind").
		From("key_kinds").
		Where(sq.Eq{"key": key}).
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&kind)
	if err == nil {
		if kind != want {
			return storage.WrongKindError(key, kindName(want), kindName(kind))
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return HandleSQLError(err)
	}

	_, err = sq.
		Insert("key_kinds").
		Columns("key", "kind").
		Values(key, want).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// reapIfExpired deletes every row belonging to key when its expiry passed.
func (s *Datastore) reapIfExpired(ctx context.Context, tx *sql.Tx, key string) error {
	var expiresAt int64
	err := sq.
		Select("expires_at").
		From("key_expiry").
		Where(sq.Eq{"key": key}).
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return HandleSQLError(err)
	}
	if expiresAt > s.clock().Unix() {
		return nil
	}
	return s.dropKeys(ctx, tx, key)
}

// dropKeys removes keys of any kind, including bookkeeping rows.
func (s *Datastore) dropKeys(ctx context.Context, tx *sql.Tx, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tables := []string{"sorted_set_members", "set_members", "list_items", "hash_fields", "key_kinds", "key_expiry"}
	for _, table := range tables {
		_, err := sq.Delete(table).Where(sq.Eq{"key": keys}).RunWith(tx).ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
	}
	return nil
}

// dropIfEmpty forgets the key when its member table has no rows left.
func (s *Datastore) dropIfEmpty(ctx context.Context, tx *sql.Tx, key string, kind int) error {
	var count int64
	err := sq.
		Select("COUNT(*)").
		From(kindTables[kind]).
		Where(sq.Eq{"key": key}).
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return HandleSQLError(err)
	}
	if count > 0 {
		return nil
	}
	return s.dropKeys(ctx, tx, key)
}

// ZAdd see [storage.SortedSetStore].ZAdd.
func (s *Datastore) ZAdd(ctx context.Context, key, member string, score float64) error {
	ctx, span := startTrace(ctx, "ZAdd")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.zadd(ctx, tx, key, member, score)
	})
}

func (s *Datastore) zadd(ctx context.Context, tx *sql.Tx, key, member string, score float64) error {
	if err := s.ensureKind(ctx, tx, key, kindSortedSet); err != nil {
		return err
	}
	_, err := sq.
		Insert("sorted_set_members").
		Columns("key", "member", "score").
		Values(key, member, score).
		Suffix("ON CONFLICT(key, member) DO UPDATE SET score = excluded.score").
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// ZRem see [storage.SortedSetStore].ZRem.
func (s *Datastore) ZRem(ctx context.Context, key, member string) error {
	ctx, span := startTrace(ctx, "ZRem")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.zrem(ctx, tx, key, member)
	})
}

func (s *Datastore) zrem(ctx context.Context, tx *sql.Tx, key, member string) error {
	ok, err := s.checkKind(ctx, tx, key, kindSortedSet)
	if err != nil || !ok {
		return err
	}
	_, err = sq.
		Delete("sorted_set_members").
		Where(sq.Eq{"key": key, "member": member}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return s.dropIfEmpty(ctx, tx, key, kindSortedSet)
}

// ZScore see [storage.SortedSetStore].ZScore.
func (s *Datastore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	ctx, span := startTrace(ctx, "ZScore")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSortedSet)
	if err != nil || !ok {
		return 0, false, err
	}

	var score float64
	err = s.stbl.
		Select("score").
		From("sorted_set_members").
		Where(sq.Eq{"key": key, "member": member}).
		QueryRowContext(ctx).
		Scan(&score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		telemetry.TraceError(span, err)
		return 0, false, HandleSQLError(err)
	}
	return score, true, nil
}

// ZCard see [storage.SortedSetStore].ZCard.
func (s *Datastore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, span := startTrace(ctx, "ZCard")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSortedSet)
	if err != nil || !ok {
		return 0, err
	}

	var count int64
	err = s.stbl.
		Select("COUNT(*)").
		From("sorted_set_members").
		Where(sq.Eq{"key": key}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return count, nil
}

func (s *Datastore) zrangeQuery(ctx context.Context, builder sq.SelectBuilder) ([]storage.ScoredMember, error) {
	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var members []storage.ScoredMember
	for rows.Next() {
		var m storage.ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, HandleSQLError(err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return members, nil
}

// ZRangeByScore see [storage.SortedSetStore].ZRangeByScore.
func (s *Datastore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]storage.ScoredMember, error) {
	ctx, span := startTrace(ctx, "ZRangeByScore")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSortedSet)
	if err != nil || !ok {
		return nil, err
	}

	return s.zrangeQuery(ctx, s.stbl.
		Select("member", "score").
		From("sorted_set_members").
		Where(sq.Eq{"key": key}).
		Where(sq.GtOrEq{"score": min}).
		Where(sq.LtOrEq{"score": max}).
		OrderBy("score", "member"))
}

// ZRange see [storage.SortedSetStore].ZRange.
func (s *Datastore) ZRange(ctx context.Context, key string, start, stop int64) ([]storage.ScoredMember, error) {
	ctx, span := startTrace(ctx, "ZRange")
	defer span.End()

	card, err := s.ZCard(ctx, key)
	if err != nil || card == 0 {
		return nil, err
	}

	from, to, ok := storage.NormalizeRanks(start, stop, card)
	if !ok {
		return nil, nil
	}

	return s.zrangeQuery(ctx, s.stbl.
		Select("member", "score").
		From("sorted_set_members").
		Where(sq.Eq{"key": key}).
		OrderBy("score", "member").
		Offset(uint64(from)).
		Limit(uint64(to-from+1)))
}

// ZRemRangeByScore see [storage.SortedSetStore].ZRemRangeByScore.
func (s *Datastore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, span := startTrace(ctx, "ZRemRangeByScore")
	defer span.End()

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.checkKind(ctx, tx, key, kindSortedSet)
		if err != nil || !ok {
			return err
		}
		res, err := sq.
			Delete("sorted_set_members").
			Where(sq.Eq{"key": key}).
			Where(sq.GtOrEq{"score": min}).
			Where(sq.LtOrEq{"score": max}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return s.dropIfEmpty(ctx, tx, key, kindSortedSet)
	})
	return removed, err
}

// ZRemRangeByRank see [storage.SortedSetStore].ZRemRangeByRank.
func (s *Datastore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	ctx, span := startTrace(ctx, "ZRemRangeByRank")
	defer span.End()

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.checkKind(ctx, tx, key, kindSortedSet)
		if err != nil || !ok {
			return err
		}

		var card int64
		err = sq.
			Select("COUNT(*)").
			From("sorted_set_members").
			Where(sq.Eq{"key": key}).
			RunWith(tx).
			QueryRowContext(ctx).
			Scan(&card)
		if err != nil {
			return HandleSQLError(err)
		}

		from, to, ok := storage.NormalizeRanks(start, stop, card)
		if !ok {
			return nil
		}

		victims, err := s.zrangeQuery(ctx, sq.
			Select("member", "score").
			From("sorted_set_members").
			Where(sq.Eq{"key": key}).
			OrderBy("score", "member").
			Offset(uint64(from)).
			Limit(uint64(to-from+1)).
			RunWith(tx).
			PlaceholderFormat(sq.Question))
		if err != nil {
			return err
		}

		names := make([]string, 0, len(victims))
		for _, v := range victims {
			names = append(names, v.Member)
		}
		res, err := sq.
			Delete("sorted_set_members").
			Where(sq.Eq{"key": key, "member": names}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return s.dropIfEmpty(ctx, tx, key, kindSortedSet)
	})
	return removed, err
}

// SAdd see [storage.SetStore].SAdd.
func (s *Datastore) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, span := startTrace(ctx, "SAdd")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.sadd(ctx, tx, key, members...)
	})
}

func (s *Datastore) sadd(ctx context.Context, tx *sql.Tx, key string, members ...string) error {
	if err := s.ensureKind(ctx, tx, key, kindSet); err != nil {
		return err
	}
	for _, m := range members {
		_, err := sq.
			Insert("set_members").
			Columns("key", "member").
			Values(key, m).
			Suffix("ON CONFLICT(key, member) DO NOTHING").
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
	}
	return nil
}

// SRem see [storage.SetStore].SRem.
func (s *Datastore) SRem(ctx context.Context, key string, members ...string) error {
	ctx, span := startTrace(ctx, "SRem")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.srem(ctx, tx, key, members...)
	})
}

func (s *Datastore) srem(ctx context.Context, tx *sql.Tx, key string, members ...string) error {
	ok, err := s.checkKind(ctx, tx, key, kindSet)
	if err != nil || !ok {
		return err
	}
	_, err = sq.
		Delete("set_members").
		Where(sq.Eq{"key": key, "member": members}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return s.dropIfEmpty(ctx, tx, key, kindSet)
}

// SIsMember see [storage.SetStore].SIsMember.
func (s *Datastore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, span := startTrace(ctx, "SIsMember")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSet)
	if err != nil || !ok {
		return false, err
	}

	var one int
	err = s.stbl.
		Select("1").
		From("set_members").
		Where(sq.Eq{"key": key, "member": member}).
		QueryRowContext(ctx).
		Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, HandleSQLError(err)
	}
	return true, nil
}

// SMembers see [storage.SetStore].SMembers.
func (s *Datastore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, span := startTrace(ctx, "SMembers")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSet)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.stbl.
		Select("member").
		From("set_members").
		Where(sq.Eq{"key": key}).
		OrderBy("member").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, HandleSQLError(err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SCard see [storage.SetStore].SCard.
func (s *Datastore) SCard(ctx context.Context, key string) (int64, error) {
	ctx, span := startTrace(ctx, "SCard")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindSet)
	if err != nil || !ok {
		return 0, err
	}

	var count int64
	err = s.stbl.
		Select("COUNT(*)").
		From("set_members").
		Where(sq.Eq{"key": key}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return count, nil
}

// RPush see [storage.ListStore].RPush.
func (s *Datastore) RPush(ctx context.Context, key string, values ...string) error {
	ctx, span := startTrace(ctx, "RPush")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.rpush(ctx, tx, key, values...)
	})
}

func (s *Datastore) rpush(ctx context.Context, tx *sql.Tx, key string, values ...string) error {
	if err := s.ensureKind(ctx, tx, key, kindList); err != nil {
		return err
	}
	for _, v := range values {
		_, err := sq.
			Insert("list_items").
			Columns("key", "value").
			Values(key, v).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
	}
	return nil
}

// LRem see [storage.ListStore].LRem.
func (s *Datastore) LRem(ctx context.Context, key, value string) (int64, error) {
	ctx, span := startTrace(ctx, "LRem")
	defer span.End()

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = s.lrem(ctx, tx, key, value)
		return err
	})
	return removed, err
}

func (s *Datastore) lrem(ctx context.Context, tx *sql.Tx, key, value string) (int64, error) {
	ok, err := s.checkKind(ctx, tx, key, kindList)
	if err != nil || !ok {
		return 0, err
	}
	res, err := sq.
		Delete("list_items").
		Where(sq.Eq{"key": key, "value": value}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, s.dropIfEmpty(ctx, tx, key, kindList)
}

// LRange see [storage.ListStore].LRange.
func (s *Datastore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, span := startTrace(ctx, "LRange")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindList)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.stbl.
		Select("value").
		From("list_items").
		Where(sq.Eq{"key": key}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, HandleSQLError(err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	from, to, ok := storage.NormalizeRanks(start, stop, int64(len(values)))
	if !ok {
		return nil, nil
	}
	return values[from : to+1], nil
}

// LLen see [storage.ListStore].LLen.
func (s *Datastore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, span := startTrace(ctx, "LLen")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindList)
	if err != nil || !ok {
		return 0, err
	}

	var count int64
	err = s.stbl.
		Select("COUNT(*)").
		From("list_items").
		Where(sq.Eq{"key": key}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return count, nil
}

// HSet see [storage.HashStore].HSet.
func (s *Datastore) HSet(ctx context.Context, key, field, value string) error {
	ctx, span := startTrace(ctx, "HSet")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.hset(ctx, tx, key, field, value)
	})
}

func (s *Datastore) hset(ctx context.Context, tx *sql.Tx, key, field, value string) error {
	if err := s.ensureKind(ctx, tx, key, kindHash); err != nil {
		return err
	}
	_, err := sq.
		Insert("hash_fields").
		Columns("key", "field", "value").
		Values(key, field, value).
		Suffix("ON CONFLICT(key, field) DO UPDATE SET value = excluded.value").
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// HGet see [storage.HashStore].HGet.
func (s *Datastore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, span := startTrace(ctx, "HGet")
	defer span.End()

	ok, err := s.checkKind(ctx, s.db, key, kindHash)
	if err != nil || !ok {
		return "", false, err
	}

	var value string
	err = s.stbl.
		Select("value").
		From("hash_fields").
		Where(sq.Eq{"key": key, "field": field}).
		QueryRowContext(ctx).
		Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, HandleSQLError(err)
	}
	return value, true, nil
}

// HDel see [storage.HashStore].HDel.
func (s *Datastore) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, span := startTrace(ctx, "HDel")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.hdel(ctx, tx, key, fields...)
	})
}

func (s *Datastore) hdel(ctx context.Context, tx *sql.Tx, key string, fields ...string) error {
	ok, err := s.checkKind(ctx, tx, key, kindHash)
	if err != nil || !ok {
		return err
	}
	_, err = sq.
		Delete("hash_fields").
		Where(sq.Eq{"key": key, "field": fields}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return s.dropIfEmpty(ctx, tx, key, kindHash)
}

// HGetAll see [storage.HashStore].HGetAll.
func (s *Datastore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, span := startTrace(ctx, "HGetAll")
	defer span.End()

	out := map[string]string{}

	ok, err := s.checkKind(ctx, s.db, key, kindHash)
	if err != nil || !ok {
		return out, err
	}

	rows, err := s.stbl.
		Select("field", "value").
		From("hash_fields").
		Where(sq.Eq{"key": key}).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, HandleSQLError(err)
		}
		out[f] = v
	}
	return out, rows.Err()
}

// sourceMembers reads one algebra source. Sorted sets contribute scores,
// plain sets contribute score 1, absent keys are empty.
func (s *Datastore) sourceMembers(ctx context.Context, key string) (map[string]float64, error) {
	kind, ok, err := s.visibleKind(ctx, s.db, key)
	if err != nil || !ok {
		return map[string]float64{}, err
	}

	out := make(map[string]float64)
	switch kind {
	case kindSortedSet:
		members, err := s.zrangeQuery(ctx, s.stbl.
			Select("member", "score").
			From("sorted_set_members").
			Where(sq.Eq{"key": key}))
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			out[m.Member] = m.Score
		}
	case kindSet:
		members, err := s.SMembers(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			out[m] = 1
		}
	default:
		return nil, storage.WrongKindError(key, "sorted-set or set", kindName(kind))
	}
	return out, nil
}

// storeAlgebraResult replaces destination with the computed member set.
func (s *Datastore) storeAlgebraResult(ctx context.Context, destination string, members map[string]float64) (int64, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.dropKeys(ctx, tx, destination); err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if err := s.ensureKind(ctx, tx, destination, kindSortedSet); err != nil {
			return err
		}
		for m, score := range members {
			_, err := sq.
				Insert("sorted_set_members").
				Columns("key", "member", "score").
				Values(destination, m, score).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return HandleSQLError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// ZUnionStore see [storage.AlgebraStore].ZUnionStore.
func (s *Datastore) ZUnionStore(ctx context.Context, destination string, sources []string) (int64, error) {
	ctx, span := startTrace(ctx, "ZUnionStore")
	defer span.End()

	union := make(map[string]float64)
	for _, src := range sources {
		members, err := s.sourceMembers(ctx, src)
		if err != nil {
			telemetry.TraceError(span, err)
			return 0, err
		}
		for m, score := range members {
			union[m] += score
		}
	}
	return s.storeAlgebraResult(ctx, destination, union)
}

// ZInterStore see [storage.AlgebraStore].ZInterStore.
func (s *Datastore) ZInterStore(ctx context.Context, destination string, sources []string) (int64, error) {
	ctx, span := startTrace(ctx, "ZInterStore")
	defer span.End()

	if len(sources) == 0 {
		return s.storeAlgebraResult(ctx, destination, nil)
	}

	inter, err := s.sourceMembers(ctx, sources[0])
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}
	for _, src := range sources[1:] {
		members, err := s.sourceMembers(ctx, src)
		if err != nil {
			telemetry.TraceError(span, err)
			return 0, err
		}
		for m := range inter {
			score, ok := members[m]
			if !ok {
				delete(inter, m)
				continue
			}
			inter[m] += score
		}
	}
	return s.storeAlgebraResult(ctx, destination, inter)
}

// patternToLike converts a '*' glob into a LIKE pattern, escaping LIKE
// metacharacters with backslash.
func patternToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteRune('%')
		case '%', '_', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Scan see [storage.KeyStore].Scan.
func (s *Datastore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	ctx, span := startTrace(ctx, "Scan")
	defer span.End()

	if count <= 0 {
		count = storage.DefaultScanCount
	}

	rows, err := s.stbl.
		Select("key_kinds.key").
		From("key_kinds").
		LeftJoin("key_expiry ON key_expiry.key = key_kinds.key").
		Where(sq.Expr("key_kinds.key LIKE ? ESCAPE '\\'", patternToLike(pattern))).
		Where(sq.Or{
			sq.Expr("key_expiry.key IS NULL"),
			sq.Gt{"key_expiry.expires_at": s.clock().Unix()},
		}).
		OrderBy("key_kinds.key").
		Offset(cursor).
		Limit(uint64(count)).
		QueryContext(ctx)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, 0, HandleSQLError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, 0, HandleSQLError(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, HandleSQLError(err)
	}

	sort.Strings(keys)
	if int64(len(keys)) < count {
		return keys, 0, nil
	}
	return keys, cursor + uint64(len(keys)), nil
}

// Del see [storage.KeyStore].Del.
func (s *Datastore) Del(ctx context.Context, keys ...string) error {
	ctx, span := startTrace(ctx, "Del")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.dropKeys(ctx, tx, keys...)
	})
}

// Expire see [storage.KeyStore].Expire.
func (s *Datastore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := startTrace(ctx, "Expire")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.expire(ctx, tx, key, ttl)
	})
}

func (s *Datastore) expire(ctx context.Context, tx *sql.Tx, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.dropKeys(ctx, tx, key)
	}
	if err := s.reapIfExpired(ctx, tx, key); err != nil {
		return err
	}

	var kind int
	err := sq.
		Select("kind").
		From("key_kinds").
		Where(sq.Eq{"key": key}).
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return HandleSQLError(err)
	}

	_, err = sq.
		Insert("key_expiry").
		Columns("key", "expires_at").
		Values(key, s.clock().Add(ttl).Unix()).
		Suffix("ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at").
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// Exists see [storage.KeyStore].Exists.
func (s *Datastore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := startTrace(ctx, "Exists")
	defer span.End()

	_, ok, err := s.visibleKind(ctx, s.db, key)
	return ok, err
}

// Batch see [storage.Store].Batch. The whole batch runs in one transaction.
func (s *Datastore) Batch(ctx context.Context, ops []storage.Op) error {
	ctx, span := startTrace(ctx, "Batch")
	defer span.End()

	for _, op := range ops {
		switch op.Code {
		case storage.OpZAdd, storage.OpZRem, storage.OpSAdd, storage.OpSRem,
			storage.OpRPush, storage.OpLRem, storage.OpHSet, storage.OpHDel,
			storage.OpDel, storage.OpExpire:
		default:
			err := storage.ErrUnknownOpCode
			telemetry.TraceError(span, err)
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			var err error
			switch op.Code {
			case storage.OpZAdd:
				err = s.zadd(ctx, tx, op.Key, op.Member, op.Score)
			case storage.OpZRem:
				err = s.zrem(ctx, tx, op.Key, op.Member)
			case storage.OpSAdd:
				err = s.sadd(ctx, tx, op.Key, op.Member)
			case storage.OpSRem:
				err = s.srem(ctx, tx, op.Key, op.Member)
			case storage.OpRPush:
				err = s.rpush(ctx, tx, op.Key, op.Value)
			case storage.OpLRem:
				_, err = s.lrem(ctx, tx, op.Key, op.Value)
			case storage.OpHSet:
				err = s.hset(ctx, tx, op.Key, op.Field, op.Value)
			case storage.OpHDel:
				err = s.hdel(ctx, tx, op.Key, op.Field)
			case storage.OpDel:
				err = s.dropKeys(ctx, tx, op.Key)
			case storage.OpExpire:
				err = s.expire(ctx, tx, op.Key, op.TTL)
			}
			if err != nil {
				telemetry.TraceError(span, err)
				return err
			}
		}
		return nil
	})
}

// HandleSQLError processes specific errors of the sqlite driver into the
// storage taxonomy.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %s", storage.ErrTransactionalWriteFailed, sqliteErr.Error())
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. This function retries the operation up to
// maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
