package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKindValid はイベント種類の判定を検証する。
func TestKindValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		want bool
	}{
		{name: "task.createdは既知", kind: KindCreated, want: true},
		{name: "task.updatedは既知", kind: KindUpdated, want: true},
		{name: "task.assignedは既知", kind: KindAssigned, want: true},
		{name: "task.commentedは既知", kind: KindCommented, want: true},
		{name: "task.deletedは既知", kind: KindDeleted, want: true},
		{name: "task.archivedは未知", kind: Kind("task.archived"), want: false},
		{name: "空文字列は未知", kind: Kind(""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.kind.Valid())
		})
	}
}

// TestKindOf はペイロードの型からイベント種類が決まることを検証する。
func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload Payload
		want    Kind
	}{
		{name: "作成", payload: TaskCreatedData{}, want: KindCreated},
		{name: "更新", payload: TaskUpdatedData{}, want: KindUpdated},
		{name: "担当者設定", payload: TaskAssignedData{}, want: KindAssigned},
		{name: "コメント", payload: TaskCommentedData{}, want: KindCommented},
		{name: "削除", payload: TaskDeletedData{}, want: KindDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.payload))
		})
	}
}

// TestRealtimePayload はキャッシュ無効化シグナルの生成と判定を検証する。
func TestRealtimePayload(t *testing.T) {
	t.Parallel()

	t.Run("NewTaskChangedPayloadはsystem宛ての合成IDを持つ", func(t *testing.T) {
		t.Parallel()

		p := NewTaskChangedPayload("task-1", TypeTaskDeleted)
		assert.Equal(t, SystemUserID, p.UserID)
		assert.Equal(t, "task-1", p.TaskID)
		assert.Equal(t, TypeTaskDeleted, p.Type)
		assert.Regexp(t, `^task-changed-[0-9a-f-]{36}$`, p.ID)
		assert.True(t, p.IsTaskChanged())
	})

	t.Run("ユーザー宛ての通知はキャッシュ無効化シグナルではない", func(t *testing.T) {
		t.Parallel()

		p := RealtimePayload{ID: "n-1", UserID: "user-1", Type: "TASK_UPDATED"}
		assert.False(t, p.IsTaskChanged())
	})

	t.Run("DecodeRealtimeはuserIdのないメッセージを拒否する", func(t *testing.T) {
		t.Parallel()

		_, err := DecodeRealtime([]byte(`{"id":"n-1","type":"TASK_UPDATED"}`))
		assert.ErrorIs(t, err, ErrMalformedEvent)

		_, err = DecodeRealtime([]byte(`not json`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("DecodeRealtimeは通知を復元できる", func(t *testing.T) {
		t.Parallel()

		p, err := DecodeRealtime([]byte(`{"id":"n-1","userId":"user-1","type":"TASK_CREATED","message":"hi","taskId":"task-1","metadata":{"taskTitle":"A"},"read":false,"createdAt":"2026-01-02T03:04:05Z"}`))
		assert.NoError(t, err)
		assert.Equal(t, "user-1", p.UserID)
		assert.Equal(t, "task-1", p.TaskID)
		assert.JSONEq(t, `{"taskTitle":"A"}`, string(p.Metadata))
	})
}
