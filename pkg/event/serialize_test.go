package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecode はイベントのシリアライズと復元を検証する。
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("更新イベントの変更内容が往復で保たれる", func(t *testing.T) {
		t.Parallel()

		ev := &TaskEvent{
			Kind:        KindUpdated,
			TaskID:      "task-1",
			ActorUserID: "user-a",
			Timestamp:   ts,
			Payload: TaskUpdatedData{
				Title:        "設計レビュー",
				Status:       "IN_PROGRESS",
				Priority:     "HIGH",
				CreatedByID:  "user-b",
				AssignedToID: "user-c",
				Changes: map[string]FieldChange{
					"status": {Old: "TODO", New: "IN_PROGRESS"},
				},
			},
		}

		body, err := Encode(ev)
		require.NoError(t, err)

		got, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, KindUpdated, got.Kind)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, "user-a", got.ActorUserID)
		assert.True(t, ts.Equal(got.Timestamp))

		data, ok := got.Payload.(TaskUpdatedData)
		require.True(t, ok, "payload type = %T", got.Payload)
		assert.Equal(t, "user-c", data.AssignedToID)
		assert.Equal(t, FieldChange{Old: "TODO", New: "IN_PROGRESS"}, data.Changes["status"])
	})

	t.Run("ワイヤ形式はcamelCaseのエンベロープ", func(t *testing.T) {
		t.Parallel()

		body, err := Encode(&TaskEvent{
			Kind:        KindCommented,
			TaskID:      "task-9",
			ActorUserID: "user-a",
			Timestamp:   ts,
			Payload: TaskCommentedData{
				Title:                "T",
				CreatedByID:          "user-b",
				CommentID:            "c-1",
				PreviousCommenterIDs: []string{"user-d"},
			},
		})
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(body, &raw))
		assert.JSONEq(t, `"task.commented"`, string(raw["event"]))
		assert.JSONEq(t, `"task-9"`, string(raw["taskId"]))
		assert.JSONEq(t, `"user-a"`, string(raw["userId"]))
		assert.JSONEq(t, `"2026-03-01T12:00:00Z"`, string(raw["timestamp"]))
		assert.JSONEq(t, `{"title":"T","createdById":"user-b","commentId":"c-1","previousCommenterIds":["user-d"]}`, string(raw["data"]))
	})

	t.Run("種類とペイロードが一致しない場合はエラー", func(t *testing.T) {
		t.Parallel()

		_, err := Encode(&TaskEvent{Kind: KindCreated, Payload: TaskDeletedData{}})
		assert.Error(t, err)
	})

	t.Run("ペイロードがない場合はエラー", func(t *testing.T) {
		t.Parallel()

		_, err := Encode(&TaskEvent{Kind: KindCreated})
		assert.Error(t, err)
	})
}

// TestDecode は不正なメッセージの分類を検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{
			name:    "JSONでない",
			body:    `{"event":`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "eventフィールドがない",
			body:    `{"taskId":"task-1","userId":"u","data":{}}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "dataがない",
			body:    `{"event":"task.created","taskId":"task-1","userId":"u"}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "dataの型が合わない",
			body:    `{"event":"task.commented","taskId":"task-1","userId":"u","data":{"previousCommenterIds":"x"}}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "未知の種類",
			body:    `{"event":"task.archived","taskId":"task-1","userId":"u","data":{}}`,
			wantErr: ErrUnknownKind,
		},
		{
			name:    "未知の種類はdataがなくても種類のエラー",
			body:    `{"event":"task.archived","taskId":"task-1","userId":"u"}`,
			wantErr: ErrUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("未知の種類でもIDはログ用に返る", func(t *testing.T) {
		t.Parallel()

		ev, err := Decode([]byte(`{"event":"task.archived","taskId":"task-1","userId":"u","data":{}}`))
		require.ErrorIs(t, err, ErrUnknownKind)
		require.NotNil(t, ev)
		assert.Equal(t, Kind("task.archived"), ev.Kind)
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Nil(t, ev.Payload)
	})

	t.Run("timestampがなくても受け付ける", func(t *testing.T) {
		t.Parallel()

		ev, err := Decode([]byte(`{"event":"task.deleted","taskId":"task-1","userId":"u","data":{"title":"T","createdById":"u"}}`))
		require.NoError(t, err)
		assert.True(t, ev.Timestamp.IsZero())
		assert.IsType(t, TaskDeletedData{}, ev.Payload)
	})
}
