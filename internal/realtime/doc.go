// Package realtime はリアルタイムゲートウェイの内部実装を提供する。
//
// 認証済みのWebSocket接続をユーザーIDごとにRegistryへ登録し、
// 通知サービスがリアルタイムキューへ送ったメッセージを宛先ユーザーの全接続に届ける。
// 未接続のユーザー宛てのメッセージは保持せずに捨てる。
//
// Registryはプロセス内だけの状態なので、複数インスタンスで動かす場合は
// ユーザー単位のスティッキールーティングが別途必要になる。
package realtime
