// Package notification は通知サービスの内部実装を提供する。
//
// タスクイベントキューからイベントを1件ずつ受信し（Consumer）、
// 操作者を除いた宛先ごとの通知に展開して（Engine）、1つのトランザクションで保存する（Store）。
// 保存した通知はリアルタイムキューへ送り（RealtimePublisher）、ゲートウェイ経由で接続中のクライアントに届ける。
// リアルタイム配信はベストエフォートで、Storeが唯一の正となる。
//
// HTTPでは通知の一覧取得、既読管理、削除を提供する。
package notification
