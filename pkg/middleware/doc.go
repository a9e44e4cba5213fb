// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、リクエストログ、パニックリカバリ、CORS設定を含む。
// トークン検証とオリジン判定はWebSocketのハンドシェイクからも使う。
package middleware
