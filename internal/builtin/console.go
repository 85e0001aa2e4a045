package builtin

import (
	"log"
	"time"
)

func init() {
	Builtins["console"] = func(worker Worker) interface{} {
		return &ConsoleClient{worker.Id()}
	}
}

type ConsoleClient struct {
	id int // 输出日志的 worker 编号
}

func (c *ConsoleClient) print(color string, level string, a []interface{}) {
	prefix := []interface{}{"\r" + color + time.Now().Format("2006-01-02 15:04:05.000"), c.id, level}
	if color == "" {
		log.Println(append(prefix, a...)...)
		return
	}
	log.Println(append(append(prefix, a...), "\033[m")...)
}

func (c *ConsoleClient) Log(a ...interface{}) {
	c.print("", "Log", a)
}

func (c *ConsoleClient) Debug(a ...interface{}) {
	c.print("\033[1;30m", "Debug", a)
}

func (c *ConsoleClient) Info(a ...interface{}) {
	c.print("\033[0;34m", "Info", a)
}

func (c *ConsoleClient) Warn(a ...interface{}) {
	c.print("\033[0;33m", "Warn", a)
}

func (c *ConsoleClient) Error(a ...interface{}) {
	c.print("\033[0;31m", "Error", a)
}
