package model

import "time"

// SystemTime reads the wall clock.
type SystemTime struct{}

// NowMilliseconds implements TimeSource.
func (SystemTime) NowMilliseconds() int64 {
	return time.Now().UnixMilli()
}
