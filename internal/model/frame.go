package model

import "time"

// Frame is one JPEG-encoded picture from the camera. Frames are shared
// between goroutines and must not be modified after capture.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

func (f Frame) Empty() bool {
	return len(f.Data) == 0
}
