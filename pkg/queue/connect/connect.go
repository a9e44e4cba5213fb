// Package connect は接続先の文字列からキューバックエンドを選ぶ。
package connect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/queue"
	"github.com/nao1215/tasknotify/pkg/queue/azurequeue"
	"github.com/nao1215/tasknotify/pkg/queue/redisstream"
)

// ErrUnsupportedURL は対応していない接続先であることを表す。
var ErrUnsupportedURL = errors.New("対応していないキューの接続先です")

// Options はバックエンド共通の設定。
type Options struct {
	// Group はRedis Streamsのコンシューマーグループ名。
	Group string
	// ClaimIdle はRedis Streamsで放置された保留中エントリを引き取るまでの時間。
	ClaimIdle time.Duration
	// VisibilityTimeout はAzure Storage Queueで受信したメッセージを隠しておく時間。
	VisibilityTimeout time.Duration
}

// Open は接続先の文字列に応じたBrokerを生成する。
//
//	redis://, rediss://              Redis Streams
//	UseDevelopmentStorage=true       Azure Storage Queue（Azurite）
//	...AccountName=...               Azure Storage Queue
func Open(url string, opts Options, logger *log.Logger) (queue.Broker, error) {
	switch {
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		b, err := redisstream.Open(url, redisstream.Options{
			Group:     opts.Group,
			ClaimIdle: opts.ClaimIdle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("Redis Streamsへの接続に失敗: %w", err)
		}
		return b, nil
	case strings.Contains(url, "UseDevelopmentStorage=true"), strings.Contains(url, "AccountName="):
		b, err := azurequeue.Open(url, azurequeue.Options{
			VisibilityTimeout: opts.VisibilityTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("Azure Storage Queueへの接続に失敗: %w", err)
		}
		return b, nil
	default:
		return nil, ErrUnsupportedURL
	}
}
