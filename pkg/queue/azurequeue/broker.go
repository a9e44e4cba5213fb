// Package azurequeue はAzure Storage Queueを使ったキューバックエンドを提供する。
//
// 受信したメッセージは可視性タイムアウトの間だけ他のコンシューマーから隠れる。
// Ackで削除し、再配信付きNackでは可視性タイムアウトを0に戻す。
package azurequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/queue"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = time.Second

	// errCodeQueueAlreadyExists はキューが既に存在する場合のエラーコード。
	errCodeQueueAlreadyExists = "QueueAlreadyExists"
)

// queueAPI はBrokerが使うazqueue.QueueClientのメソッド。
type queueAPI interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
	UpdateMessage(ctx context.Context, messageID string, popReceipt string, content string, o *azqueue.UpdateMessageOptions) (azqueue.UpdateMessageResponse, error)
}

// Options はBrokerの設定。
type Options struct {
	// VisibilityTimeout は受信したメッセージを隠しておく時間。
	VisibilityTimeout time.Duration
	// PollInterval はキューが空だった場合に次の受信まで待つ時間。
	PollInterval time.Duration
}

// Broker はAzure Storage Queueによるqueue.Broker実装。
type Broker struct {
	// newQueue はキュー名からクライアントを生成する。
	newQueue func(name string) queueAPI
	// ping はストレージアカウントへの疎通を確認する。
	ping func(ctx context.Context) error

	mu     sync.Mutex
	queues map[string]queueAPI

	opts   Options
	logger *log.Entry
}

var _ queue.Broker = (*Broker)(nil)

// Open は接続文字列からBrokerを生成する。
func Open(connStr string, opts Options, logger *log.Logger) (*Broker, error) {
	clientOpts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := azqueue.NewServiceClientFromConnectionString(connStr, &clientOpts)
	if err != nil {
		return nil, fmt.Errorf("Queueサービスクライアントの生成に失敗: %w", err)
	}

	return newBroker(
		func(name string) queueAPI { return svc.NewQueueClient(name) },
		func(ctx context.Context) error {
			_, err := svc.GetServiceProperties(ctx, nil)
			return err
		},
		opts,
		logger,
	), nil
}

func newBroker(newQueue func(string) queueAPI, ping func(context.Context) error, opts Options, logger *log.Logger) *Broker {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Broker{
		newQueue: newQueue,
		ping:     ping,
		queues:   make(map[string]queueAPI),
		opts:     opts,
		logger:   logger.WithField("component", "azurequeue"),
	}
}

// client はキュー名に対応するクライアントを返す。
func (b *Broker) client(name string) queueAPI {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = b.newQueue(name)
		b.queues[name] = q
	}
	return q
}

// EnsureQueue はキューを作成する。既に存在する場合は何もしない。
func (b *Broker) EnsureQueue(ctx context.Context, name string) error {
	_, err := b.client(name).Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == errCodeQueueAlreadyExists {
			return nil
		}
		return fmt.Errorf("キューの作成に失敗: queue=%s: %w", name, err)
	}
	return nil
}

// Publish はメッセージを有効期限なしでキューに追加する。
func (b *Broker) Publish(ctx context.Context, name string, body []byte) error {
	_, err := b.client(name).EnqueueMessage(ctx, string(body), &azqueue.EnqueueMessageOptions{
		TimeToLive: to.Ptr(int32(-1)),
	})
	if err != nil {
		return fmt.Errorf("メッセージの追加に失敗: queue=%s: %w", name, err)
	}
	return nil
}

// Consume はメッセージを1件ずつ受信してhandlerに渡す。
// ctxがキャンセルされるとnilを返す。
func (b *Broker) Consume(ctx context.Context, name string, handler queue.Handler) error {
	q := b.client(name)
	for {
		if ctx.Err() != nil {
			return nil
		}

		resp, err := q.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
			VisibilityTimeout: to.Ptr(int32(b.opts.VisibilityTimeout / time.Second)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("メッセージの受信に失敗: queue=%s: %w", name, err)
		}
		if len(resp.Messages) == 0 || resp.Messages[0] == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.opts.PollInterval):
			}
			continue
		}

		msg := resp.Messages[0]
		d := queue.NewDelivery(
			deref(msg.MessageID),
			[]byte(deref(msg.MessageText)),
			attempt(msg.DequeueCount),
			deref(msg.PopReceipt),
			&acker{q: q},
		)
		if err := queue.Dispatch(ctx, d, handler); err != nil {
			if !queue.IsUnsettled(err) {
				return fmt.Errorf("再配信の要求に失敗: id=%s: %w", d.ID, err)
			}
			b.logger.WithField("delivery_id", d.ID).Warn("確認応答のないメッセージを再配信します")
		}
	}
}

// Ping はストレージアカウントへの疎通を確認する。
func (b *Broker) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Close は何もしない。HTTPクライアントは接続を保持しない。
func (b *Broker) Close() error {
	return nil
}

// acker は受信したキューに対して確認応答を行う。
type acker struct {
	q queueAPI
}

// Ack はメッセージを削除する。
func (a *acker) Ack(ctx context.Context, d *queue.Delivery) error {
	if _, err := a.q.DeleteMessage(ctx, d.ID, d.Receipt, nil); err != nil {
		return fmt.Errorf("メッセージの削除に失敗: id=%s: %w", d.ID, err)
	}
	return nil
}

// Nack はrequeueがtrueならメッセージをすぐに再表示し、falseなら削除する。
func (a *acker) Nack(ctx context.Context, d *queue.Delivery, requeue bool) error {
	if !requeue {
		return a.Ack(ctx, d)
	}
	_, err := a.q.UpdateMessage(ctx, d.ID, d.Receipt, string(d.Body), &azqueue.UpdateMessageOptions{
		VisibilityTimeout: to.Ptr(int32(0)),
	})
	if err != nil {
		return fmt.Errorf("メッセージの再表示に失敗: id=%s: %w", d.ID, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func attempt(n *int64) int {
	if n == nil || *n < 1 {
		return 1
	}
	return int(*n)
}
