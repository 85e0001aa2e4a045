package internal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

type Usage struct {
	Cpu    float64 `json:"cpu"`    // 百分比
	Memory float64 `json:"memory"` // 常驻内存，单位 mb
}

// ProcessUsage 返回当前进程的 cpu 和内存占用
func ProcessUsage() (Usage, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return Usage{}, err
	}
	c, err := p.CPUPercent()
	if err != nil {
		return Usage{}, err
	}
	m, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	return Usage{c, float64(m.RSS) / 1024 / 1024}, nil
}

// RunMonitor 在控制台的同一行中刷新 cpu、内存和 worker 使用情况，直到 ctx 结束
func RunMonitor(ctx context.Context, pool *Pool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u, _ := ProcessUsage()
			s := pool.Stats()
			fmt.Printf("\rcpu: %.2f%%, memory: %.2fmb, workers: %d/%d, waiting: %d"+" ", // 结尾预留一个空格防止刷新过程中因字符串变短导致上一次打印的文本在结尾溢出
				u.Cpu, u.Memory, s.Pending, s.Live, s.Waiting,
			)
		}
	}
}
