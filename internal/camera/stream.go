package camera

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// FuncTrack は停止関数をラップした Track 実装
type FuncTrack struct {
	id      string
	kind    string
	stop    func()
	once    sync.Once
	stopped atomic.Bool
}

// NewFuncTrack は新しいFuncTrackを作成する。stop は一度だけ呼ばれる
func NewFuncTrack(kind string, stop func()) *FuncTrack {
	return &FuncTrack{
		id:   uuid.New().String(),
		kind: kind,
		stop: stop,
	}
}

func (t *FuncTrack) ID() string   { return t.id }
func (t *FuncTrack) Kind() string { return t.kind }

// Stop はトラックを停止する。複数回呼んでも安全
func (t *FuncTrack) Stop() {
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
		t.stopped.Store(true)
	})
}

func (t *FuncTrack) Stopped() bool { return t.stopped.Load() }

// BaseStream は Stream の共通実装を提供
type BaseStream struct {
	id       string
	deviceID string
	tracks   []Track
	frames   <-chan image.Image
}

// NewBaseStream は新しいBaseStreamを作成する
func NewBaseStream(deviceID string, frames <-chan image.Image, tracks ...Track) *BaseStream {
	return &BaseStream{
		id:       uuid.New().String(),
		deviceID: deviceID,
		tracks:   tracks,
		frames:   frames,
	}
}

func (s *BaseStream) ID() string                 { return s.id }
func (s *BaseStream) DeviceID() string           { return s.deviceID }
func (s *BaseStream) Frames() <-chan image.Image { return s.frames }

// Tracks はトラック一覧のコピーを返す
func (s *BaseStream) Tracks() []Track {
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// releaseStream はストリームの全トラックを停止する
func releaseStream(stream Stream) {
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
