package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/event"
)

// notificationWriter はファンアウトが使うStoreの書き込み操作。
type notificationWriter interface {
	Create(ctx context.Context, n Notification) error
	CreateBatch(ctx context.Context, ns []Notification) error
	MarkTaskDeleted(ctx context.Context, taskID string) (int64, error)
}

// realtimeNotifier は保存済みの通知をリアルタイム配信に渡す。
// 配信は投げっぱなしでエラーを返さない。
type realtimeNotifier interface {
	Publish(ctx context.Context, n Notification)
	PublishBatch(ctx context.Context, ns []Notification)
	PublishTaskChanged(ctx context.Context, taskID, changeType string)
}

// Engine はタスクイベントを宛先ごとの通知に展開する。
type Engine struct {
	// store は通知の保存先。
	store notificationWriter
	// realtime は保存後の通知の配信先。
	realtime realtimeNotifier
	// metrics はメトリクスの記録先。
	metrics *Metrics
	// logger はログ出力先。
	logger *log.Entry
	// newID は通知IDを生成する。テストで差し替える。
	newID func() string
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewEngine は新しいEngineを生成する。
func NewEngine(store notificationWriter, realtime realtimeNotifier, metrics *Metrics, logger *log.Logger) *Engine {
	return &Engine{
		store:    store,
		realtime: realtime,
		metrics:  metrics,
		logger:   logger.WithField("component", "fanout"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Handle はイベント1件を処理する。
// 保存に失敗した場合はエラーを返し、呼び出し側が再配信を要求する。
// リアルタイム配信の失敗は保存済みの通知に影響しない。
func (e *Engine) Handle(ctx context.Context, ev *event.TaskEvent) error {
	start := time.Now()
	defer e.metrics.ObserveFanout(start)

	switch p := ev.Payload.(type) {
	case event.TaskCreatedData:
		return e.fanout(ctx, ev, TypeTaskCreated,
			fmt.Sprintf("You have been assigned to a new task %q", p.Title),
			Metadata{TaskTitle: p.Title, Status: p.Status, Priority: p.Priority, ActorID: ev.ActorUserID},
			Recipients(ev.ActorUserID, p.AssignedToID))
	case event.TaskAssignedData:
		return e.fanout(ctx, ev, TypeTaskAssigned,
			fmt.Sprintf("You have been assigned to task %q", p.Title),
			Metadata{TaskTitle: p.Title, Status: p.Status, Priority: p.Priority, ActorID: ev.ActorUserID},
			Recipients(ev.ActorUserID, p.AssignedToID))
	case event.TaskUpdatedData:
		return e.fanout(ctx, ev, TypeTaskUpdated,
			fmt.Sprintf("Task %q has been updated", p.Title),
			Metadata{TaskTitle: p.Title, Status: p.Status, Priority: p.Priority, ActorID: ev.ActorUserID, Changes: p.Changes},
			Recipients(ev.ActorUserID, p.AssignedToID, p.CreatedByID))
	case event.TaskCommentedData:
		candidates := append([]string{p.AssignedToID, p.CreatedByID}, p.PreviousCommenterIDs...)
		return e.fanout(ctx, ev, TypeTaskCommented,
			fmt.Sprintf("New comment on task %q", p.Title),
			Metadata{TaskTitle: p.Title, ActorID: ev.ActorUserID, CommentID: p.CommentID},
			Recipients(ev.ActorUserID, candidates...))
	case event.TaskDeletedData:
		return e.taskDeleted(ctx, ev)
	default:
		return fmt.Errorf("%w: %s", event.ErrUnknownKind, ev.Kind)
	}
}

// fanout は宛先ごとの通知を組み立てて保存し、リアルタイム配信に渡す。
func (e *Engine) fanout(ctx context.Context, ev *event.TaskEvent, t Type, message string, md Metadata, recipients []string) error {
	entry := e.logger.WithFields(log.Fields{
		"task_id": ev.TaskID,
		"kind":    ev.Kind,
	})
	if len(recipients) == 0 {
		entry.Debug("通知の宛先がないためスキップしました")
		return nil
	}

	taskID := ev.TaskID
	createdAt := e.now().UTC()
	ns := make([]Notification, 0, len(recipients))
	for _, userID := range recipients {
		meta := md
		ns = append(ns, Notification{
			ID:        e.newID(),
			UserID:    userID,
			Type:      t,
			Message:   message,
			TaskID:    &taskID,
			Metadata:  &meta,
			CreatedAt: createdAt,
		})
	}

	if len(ns) == 1 {
		if err := e.store.Create(ctx, ns[0]); err != nil {
			return fmt.Errorf("通知の保存に失敗: %w", err)
		}
	} else {
		if err := e.store.CreateBatch(ctx, ns); err != nil {
			return fmt.Errorf("通知の一括保存に失敗: %w", err)
		}
	}
	e.metrics.AddCreated(t, len(ns))
	entry.WithField("count", len(ns)).Info("通知を作成しました")

	if len(ns) == 1 {
		e.realtime.Publish(ctx, ns[0])
	} else {
		e.realtime.PublishBatch(ctx, ns)
	}
	return nil
}

// taskDeleted は削除されたタスクの通知に削除済みの印を付け、
// タスク単位のキャッシュ無効化シグナルを1回だけ送る。
func (e *Engine) taskDeleted(ctx context.Context, ev *event.TaskEvent) error {
	affected, err := e.store.MarkTaskDeleted(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("削除済みタスクの通知の更新に失敗: %w", err)
	}
	e.logger.WithFields(log.Fields{
		"task_id":  ev.TaskID,
		"affected": affected,
	}).Info("削除済みタスクの通知に印を付けました")

	e.realtime.PublishTaskChanged(ctx, ev.TaskID, event.TypeTaskDeleted)
	return nil
}

// Recipients は候補から空のID、重複、操作者を取り除いた宛先を候補の順に返す。
func Recipients(actor string, candidates ...string) []string {
	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, id := range candidates {
		if id == "" || id == actor {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
