package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed all:web
var embedFS embed.FS

// staticFS は埋め込み静的ファイルのファイルシステムを返す
func staticFS() (http.FileSystem, error) {
	sub, err := fs.Sub(embedFS, "web")
	if err != nil {
		return nil, fmt.Errorf("埋め込み静的ファイルシステムの作成に失敗: %w", err)
	}
	return http.FS(sub), nil
}

// indexHTML はキオスク画面のHTMLを返す
func indexHTML() ([]byte, error) {
	data, err := embedFS.ReadFile("web/index.html")
	if err != nil {
		return nil, fmt.Errorf("埋め込みindex.htmlの読み込みに失敗: %w", err)
	}
	return data, nil
}
