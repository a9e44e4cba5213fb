// Package queue は耐久キューの抽象を提供する。
//
// 手動確認応答（Ack/Nack）とプリフェッチ1件の消費を前提とする。
// バックエンドはRedis Streams（redisstream）とAzure Storage Queue（azurequeue）を用意している。
package queue

//go:generate mockgen -source=queue.go -destination=mock/mock_queue.go -package=mock

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled は確認応答済みのメッセージに再度応答したことを表す。
var ErrAlreadySettled = errors.New("メッセージは既に確認応答済みです")

// Publisher はキューへメッセージを永続的に送信する。
type Publisher interface {
	// Publish は指定キューにメッセージを送信する。
	Publish(ctx context.Context, queue string, body []byte) error
}

// Handler は受信したメッセージを処理する関数。
// 戻る前にDelivery.AckかDelivery.Nackを呼ぶ必要がある。
type Handler func(ctx context.Context, d *Delivery)

// Consumer はキューからメッセージを1件ずつ受信する。
type Consumer interface {
	// Consume はctxがキャンセルされるか接続が失われるまでメッセージを受信し続ける。
	// 次のメッセージはhandlerが戻った後にだけ取得する（プリフェッチ1件）。
	Consume(ctx context.Context, queue string, handler Handler) error
}

// Broker はキューの送受信と管理を行うバックエンド。
type Broker interface {
	Publisher
	Consumer
	// EnsureQueue は耐久キューを宣言する。既に存在する場合は何もしない。
	EnsureQueue(ctx context.Context, queue string) error
	// Ping はバックエンドへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close はバックエンドとの接続を閉じる。
	Close() error
}

// Acknowledger はバックエンド固有の確認応答処理。
type Acknowledger interface {
	// Ack はメッセージをキューから取り除く。
	Ack(ctx context.Context, d *Delivery) error
	// Nack は処理失敗を通知する。requeueがtrueなら再配信し、falseなら破棄する。
	Nack(ctx context.Context, d *Delivery, requeue bool) error
}

// Delivery は受信した1件のメッセージ。
type Delivery struct {
	// ID はバックエンドにおけるメッセージID。
	ID string
	// Body はメッセージ本文。
	Body []byte
	// Attempt は配信回数（初回は1）。
	Attempt int
	// Receipt はバックエンドが確認応答に使う付随情報。
	Receipt string

	acker   Acknowledger
	mu      sync.Mutex
	settled bool
}

// NewDelivery はバックエンドが受信したメッセージからDeliveryを生成する。
func NewDelivery(id string, body []byte, attempt int, receipt string, acker Acknowledger) *Delivery {
	return &Delivery{
		ID:      id,
		Body:    body,
		Attempt: attempt,
		Receipt: receipt,
		acker:   acker,
	}
}

// Ack はメッセージの処理完了を通知する。
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.acker.Ack(ctx, d)
}

// Nack はメッセージの処理失敗を通知する。
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.acker.Nack(ctx, d, requeue)
}

// Settled は確認応答済みかどうかを返す。
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// Dispatch はhandlerを呼び出し、確認応答されずに戻った場合は再配信を要求する。
// バックエンドのConsume実装から使う。
func Dispatch(ctx context.Context, d *Delivery, handler Handler) error {
	handler(ctx, d)
	if d.Settled() {
		return nil
	}
	if err := d.Nack(ctx, true); err != nil {
		return err
	}
	return errUnsettled
}

// errUnsettled はhandlerが確認応答せずに戻ったことを表す。
var errUnsettled = errors.New("ハンドラが確認応答せずに戻りました")

// IsUnsettled はDispatchが返したエラーが未応答によるものかを返す。
func IsUnsettled(err error) bool {
	return errors.Is(err, errUnsettled)
}
