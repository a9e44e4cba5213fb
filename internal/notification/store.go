package notification

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nao1215/tasknotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound は通知が存在しないか、他のユーザーの通知であることを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// timeLayout はcreated_atカラムの固定長UTC形式。辞書順が時刻順と一致する。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store は通知の永続化を担う。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
}

// Open はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
func Open(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに別のDBになる
		db.SetMaxOpenConns(1)
	}

	s, err := NewStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore は既存の接続にマイグレーションを適用してStoreを生成する。
func NewStore(ctx context.Context, db *sqlx.DB, logger *log.Logger) (*Store, error) {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// row はnotificationsテーブルの1行。
type row struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	Type      string         `db:"type"`
	Message   string         `db:"message"`
	TaskID    sql.NullString `db:"task_id"`
	Metadata  sql.NullString `db:"metadata"`
	IsRead    bool           `db:"is_read"`
	CreatedAt string         `db:"created_at"`
}

const selectColumns = `id, user_id, type, message, task_id, metadata, is_read, created_at`

func (r row) toNotification() (Notification, error) {
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("作成日時の解析に失敗: id=%s: %w", r.ID, err)
	}

	n := Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      Type(r.Type),
		Message:   r.Message,
		Read:      r.IsRead,
		CreatedAt: createdAt,
	}
	if r.TaskID.Valid {
		taskID := r.TaskID.String
		n.TaskID = &taskID
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var md Metadata
		if err := json.Unmarshal([]byte(r.Metadata.String), &md); err != nil {
			return Notification{}, fmt.Errorf("メタデータの解析に失敗: id=%s: %w", r.ID, err)
		}
		n.Metadata = &md
	}
	return n, nil
}

func fromNotification(n Notification) (row, error) {
	if !n.Type.Valid() {
		return row{}, fmt.Errorf("未知の通知種類です: %s", n.Type)
	}
	r := row{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Message:   n.Message,
		IsRead:    n.Read,
		CreatedAt: n.CreatedAt.UTC().Format(timeLayout),
	}
	if n.TaskID != nil {
		r.TaskID = sql.NullString{String: *n.TaskID, Valid: true}
	}
	if n.Metadata != nil {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return row{}, fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
		}
		r.Metadata = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

// FindAll はユーザーの通知を新しい順に1ページ分返す。
// 種類と既読状態の条件はAND結合する。
func (s *Store) FindAll(ctx context.Context, userID string, opts ListOptions) (*Page, error) {
	opts = opts.normalize()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if opts.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*opts.Type))
	}
	if opts.Read != nil {
		where = append(where, "is_read = ?")
		args = append(args, *opts.Read)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM notifications WHERE "+cond, args...); err != nil {
		return nil, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	data := make([]Notification, 0)
	offset, ok := opts.offset()
	if !ok {
		return &Page{Data: data, Meta: newMeta(total, opts.Page, opts.Limit)}, nil
	}

	query := "SELECT " + selectColumns + " FROM notifications WHERE " + cond +
		" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, append(args, opts.Limit, offset)...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	for _, r := range rows {
		n, err := r.toNotification()
		if err != nil {
			return nil, err
		}
		data = append(data, n)
	}
	return &Page{Data: data, Meta: newMeta(total, opts.Page, opts.Limit)}, nil
}

// FindOne はユーザーが所有する通知を1件返す。
// 存在しない場合も他のユーザーの通知である場合もErrNotFoundを返す。
func (s *Store) FindOne(ctx context.Context, id, userID string) (*Notification, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		"SELECT "+selectColumns+" FROM notifications WHERE id = ? AND user_id = ?", id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	n, err := r.toNotification()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAsRead は指定されたIDのうちユーザーが所有する通知を既読にし、更新件数を返す。
// 空のIDリストは検証しない。そのままSQLの構築エラーになる。
func (s *Store) MarkAsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	query, args, err := sqlx.In("UPDATE notifications SET is_read = 1 WHERE user_id = ? AND id IN (?)", userID, ids)
	if err != nil {
		return 0, fmt.Errorf("既読化クエリの構築に失敗: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	return res.RowsAffected()
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
// 未読のみを対象にするため2回目の呼び出しは0件になる。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount はユーザーの未読通知の件数を返す。
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Delete はユーザーが所有する通知を削除する。
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const insertQuery = `INSERT INTO notifications (` + selectColumns + `)
	VALUES (:id, :user_id, :type, :message, :task_id, :metadata, :is_read, :created_at)`

// Create は通知を1件保存する。
func (s *Store) Create(ctx context.Context, n Notification) error {
	r, err := fromNotification(n)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertQuery, r); err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

// CreateBatch は複数の通知を1つのトランザクションで保存する。
// 途中で失敗した場合は1件も保存されない。
func (s *Store) CreateBatch(ctx context.Context, ns []Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, n := range ns {
		r, err := fromNotification(n)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertQuery, r); err != nil {
			return fmt.Errorf("通知の保存に失敗: user_id=%s: %w", n.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// MarkTaskDeleted はタスクに関連する通知のメタデータにtaskDeletedを付け、更新件数を返す。
// 通知自体は削除しない。
func (s *Store) MarkTaskDeleted(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET metadata = json_set(COALESCE(metadata, '{}'), '$.taskDeleted', json('true'))
		WHERE task_id = ?
	`, taskID)
	if err != nil {
		return 0, fmt.Errorf("削除済みタスクの通知の更新に失敗: %w", err)
	}
	return res.RowsAffected()
}
