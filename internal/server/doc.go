// Package server は、キオスク向けのHTTPサーバーを提供します。
//
// このパッケージは、カメラセッションの操作、スナップショットとMJPEGの配信、
// 出席サービスへの中継、WebSocketによる状態通知を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - キオスク画面（HTML/CSS/JS）の配信
//   - カメラエラーのHTTPステータスへの変換
//   - セッション状態のWebSocket配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - シャットダウン時は自動スキャンとカメラを停止してから接続を閉じる
package server
