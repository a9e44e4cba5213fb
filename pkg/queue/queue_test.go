package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nao1215/tasknotify/pkg/queue"
	"github.com/nao1215/tasknotify/pkg/queue/mock"
)

// TestDeliverySettle は確認応答が1回だけ有効であることを検証する。
func TestDeliverySettle(t *testing.T) {
	t.Parallel()

	t.Run("Ackの後のNackはErrAlreadySettled", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		d := queue.NewDelivery("1-0", []byte("{}"), 1, "", acker)

		acker.EXPECT().Ack(gomock.Any(), d).Return(nil)

		require.NoError(t, d.Ack(t.Context()))
		assert.True(t, d.Settled())
		assert.ErrorIs(t, d.Nack(t.Context(), true), queue.ErrAlreadySettled)
	})

	t.Run("Nackは再配信の指定をバックエンドへ渡す", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		d := queue.NewDelivery("1-0", []byte("{}"), 1, "", acker)

		acker.EXPECT().Nack(gomock.Any(), d, false).Return(nil)

		require.NoError(t, d.Nack(t.Context(), false))
		assert.ErrorIs(t, d.Ack(t.Context()), queue.ErrAlreadySettled)
	})
}

// TestDispatch はハンドラ呼び出し後の未応答処理を検証する。
func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("ハンドラがAckすれば何もしない", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		d := queue.NewDelivery("1-0", nil, 1, "", acker)
		acker.EXPECT().Ack(gomock.Any(), d).Return(nil)

		err := queue.Dispatch(t.Context(), d, func(ctx context.Context, d *queue.Delivery) {
			_ = d.Ack(ctx)
		})
		assert.NoError(t, err)
	})

	t.Run("ハンドラが応答せずに戻れば再配信を要求する", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		d := queue.NewDelivery("1-0", nil, 1, "", acker)
		acker.EXPECT().Nack(gomock.Any(), d, true).Return(nil)

		err := queue.Dispatch(t.Context(), d, func(context.Context, *queue.Delivery) {})
		assert.True(t, queue.IsUnsettled(err))
	})
}
