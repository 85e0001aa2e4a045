//go:build !linux

package shared

import "time"

// BlockingWaits 为 false 时 Wait 退化为有界自旋（见 spinWait）
const BlockingWaits = false

func platformWait(cell *int32, expected int32, deadline time.Time) WaitResult {
	return spinWait(cell, expected, deadline)
}

func platformWake(cell *int32, count int) int {
	return 0 // 自旋等待者会自行观察到值的变化
}
