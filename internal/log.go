package internal

import (
	"fmt"
	"log"
	"os"
	"time"
)

func InitLog(path string) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		panic(err)
	}
	log.SetOutput(fd)
	log.SetFlags(log.Lmsgprefix) // 去除日志每行开头自带的时间戳前缀
}

// LogWithError 记录错误，id 为 worker 编号，控制端自身的日志使用 -1
func LogWithError(err error, id int) {
	log.Println(append(append([]interface{}{"\033[0;31m" + time.Now().Format("2006-01-02 15:04:05.000"), id, "Error"}, err), "\033[m")...)
}

func LogWithInfo(id int, format string, a ...interface{}) {
	log.Println("\033[0;34m"+time.Now().Format("2006-01-02 15:04:05.000"), id, "Info", fmt.Sprintf(format, a...), "\033[m")
}
