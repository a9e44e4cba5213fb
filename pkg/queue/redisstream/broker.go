// Package redisstream はRedis Streamsのコンシューマーグループを使ったキューバックエンドを提供する。
//
// キュー1つにつきストリームを1本使い、サービスごとにコンシューマーグループを作る。
// 再配信はエントリを末尾に積み直して元のエントリを削除することで表現する。
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/queue"
)

const (
	// fieldBody はエントリ内のメッセージ本文のフィールド名。
	fieldBody = "body"
	// fieldAttempt はエントリ内の配信回数のフィールド名。
	fieldAttempt = "attempt"

	defaultBlock = 2 * time.Second
)

// Options はBrokerの設定。
type Options struct {
	// Group はコンシューマーグループ名。
	Group string
	// Consumer はグループ内のコンシューマー名。空の場合はランダムに生成する。
	Consumer string
	// Block はXREADGROUPで待機する最大時間。
	Block time.Duration
	// ClaimIdle が正の場合、この時間以上処理されていない保留中エントリを引き取る。
	ClaimIdle time.Duration
}

// Broker はRedis Streamsによるqueue.Broker実装。
type Broker struct {
	client redis.UniversalClient
	opts   Options
	logger *log.Entry
}

var _ queue.Broker = (*Broker)(nil)

// New はRedisクライアントからBrokerを生成する。
func New(client redis.UniversalClient, opts Options, logger *log.Logger) (*Broker, error) {
	if opts.Group == "" {
		return nil, errors.New("コンシューマーグループ名が必要です")
	}
	if opts.Consumer == "" {
		opts.Consumer = fmt.Sprintf("%s-%s", opts.Group, uuid.New().String())
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	return &Broker{
		client: client,
		opts:   opts,
		logger: logger.WithFields(log.Fields{
			"component": "redisstream",
			"group":     opts.Group,
			"consumer":  opts.Consumer,
		}),
	}, nil
}

// Open はURLからRedisへ接続してBrokerを生成する。
func Open(url string, opts Options, logger *log.Logger) (*Broker, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("RedisのURL解析に失敗: %w", err)
	}
	return New(redis.NewClient(redisOpts), opts, logger)
}

// EnsureQueue はストリームとコンシューマーグループを作成する。
func (b *Broker) EnsureQueue(ctx context.Context, q string) error {
	err := b.client.XGroupCreateMkStream(ctx, q, b.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("コンシューマーグループの作成に失敗: stream=%s: %w", q, err)
	}
	return nil
}

// Publish はストリームにエントリを追加する。
func (b *Broker) Publish(ctx context.Context, q string, body []byte) error {
	if err := b.client.XAdd(ctx, newEntry(q, body, 1)).Err(); err != nil {
		return fmt.Errorf("エントリの追加に失敗: stream=%s: %w", q, err)
	}
	return nil
}

// Consume はエントリを1件ずつ取得してhandlerに渡す。
// ctxがキャンセルされるとnilを返す。Redisとの通信に失敗した場合はエラーを返す。
func (b *Broker) Consume(ctx context.Context, q string, handler queue.Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := b.fetch(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg == nil {
			continue
		}

		d := queue.NewDelivery(msg.ID, entryBody(*msg), entryAttempt(*msg), q, b)
		if err := queue.Dispatch(ctx, d, handler); err != nil {
			if !queue.IsUnsettled(err) {
				return fmt.Errorf("再配信の要求に失敗: id=%s: %w", msg.ID, err)
			}
			b.logger.WithField("delivery_id", msg.ID).Warn("確認応答のないエントリを再配信します")
		}
	}
}

// fetch は保留中の放置エントリか新着エントリを1件取得する。
// 待機時間内に何も届かなければnilを返す。
func (b *Broker) fetch(ctx context.Context, q string) (*redis.XMessage, error) {
	if b.opts.ClaimIdle > 0 {
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q,
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.ClaimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("保留中エントリの引き取りに失敗: stream=%s: %w", q, err)
		}
		for _, m := range msgs {
			if m.Values != nil {
				return &m, nil
			}
		}
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		Streams:  []string{q, ">"},
		Count:    1,
		Block:    b.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("エントリの取得に失敗: stream=%s: %w", q, err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

// Ack はエントリを確認応答してストリームから削除する。
func (b *Broker) Ack(ctx context.Context, d *queue.Delivery) error {
	q := d.Receipt
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q, b.opts.Group, d.ID)
		pipe.XDel(ctx, q, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("確認応答に失敗: id=%s: %w", d.ID, err)
	}
	return nil
}

// Nack は処理失敗を通知する。requeueがtrueなら配信回数を増やして末尾に積み直す。
func (b *Broker) Nack(ctx context.Context, d *queue.Delivery, requeue bool) error {
	if !requeue {
		return b.Ack(ctx, d)
	}

	q := d.Receipt
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, newEntry(q, d.Body, d.Attempt+1))
		pipe.XAck(ctx, q, b.opts.Group, d.ID)
		pipe.XDel(ctx, q, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("再配信の登録に失敗: id=%s: %w", d.ID, err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close はRedisとの接続を閉じる。
func (b *Broker) Close() error {
	return b.client.Close()
}

func newEntry(q string, body []byte, attempt int) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q,
		Values: map[string]any{
			fieldBody:    string(body),
			fieldAttempt: attempt,
		},
	}
}

func entryBody(m redis.XMessage) []byte {
	if s, ok := m.Values[fieldBody].(string); ok {
		return []byte(s)
	}
	return nil
}

func entryAttempt(m redis.XMessage) int {
	s, _ := m.Values[fieldAttempt].(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
