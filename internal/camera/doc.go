// Package camera キャプチャセッションの管理を担う
//
// # 責務
// - カメラデバイスの列挙
// - 単一のアクティブなカメラストリームの開始・停止・切り替え
// - 現在のフレームから静止画スナップショットを生成
// - プロバイダの低レベルエラーをカメラエラー分類へ変換
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 出席登録・顔認識のためにカメラから静止画を取得したい
// - カメラハードウェアのロックを確実に解放したい
// - 取得元（V4L2、OpenCV、X11画面、モック）を差し替えたい
//
// # 仕様
//   - SessionManager: セッション状態 idle → starting → active → idle を管理
//   - Provider: デバイス列挙とストリーム取得の抽象（V4L2Provider、X11Provider、MockProvider）
//   - Sink: ストリームを受け取り最新フレームを保持する（FrameSink）
//   - 同時に存在するアクティブストリームは常に最大1本
//   - Start/Stop/SwitchDevice は内部ガードで直列化される
//   - 取得はタイムアウト付きで、途中で取得されたストリームは必ず解放する
//
// # 前提要件
//   - v4l-utils: V4L2Provider がカメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: V4L2Provider と X11Provider がストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - x11-utils: X11Provider がディスプレイの確認に使用 (xdpyinfo)
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
