//go:build linux

package shared

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockingWaits 表示 Wait 使用真正的阻塞等待（futex）
const BlockingWaits = true

const (
	futexWait    = 0
	futexWake    = 1
	futexPrivate = 128 // 共享单元只在本进程内使用
)

func platformWait(cell *int32, expected int32, deadline time.Time) WaitResult {
	for {
		if atomic.LoadInt32(cell) != expected {
			return WaitOK
		}
		var ts *unix.Timespec
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return WaitTimedOut
			}
			t := unix.NsecToTimespec(int64(remaining))
			ts = &t
		}
		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(cell)),
			uintptr(futexWait|futexPrivate),
			uintptr(uint32(expected)),
			uintptr(unsafe.Pointer(ts)),
			0, 0,
		)
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR: // 被唤醒、值已变化或被信号打断，回到循环开头重新判断
		case unix.ETIMEDOUT:
			if atomic.LoadInt32(cell) != expected {
				return WaitOK
			}
			return WaitTimedOut
		default: // 内核不支持 futex 时降级为自旋等待
			return spinWait(cell, expected, deadline)
		}
	}
}

func platformWake(cell *int32, count int) int {
	if count < 0 {
		count = math.MaxInt32
	}
	n, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(cell)),
		uintptr(futexWake|futexPrivate),
		uintptr(count),
		0, 0, 0,
	)
	if errno != 0 {
		return 0
	}
	return int(n)
}
