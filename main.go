package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	. "taskpool/internal"
	"taskpool/internal/config"
	"taskpool/internal/handler"
)

func main() {
	// 获取启动参数
	configs, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// 初始化日志文件
	InitLog(configs.LogPath)

	// 初始化数据库
	InitDb(configs.DbPath)
	defer Db.Close()

	// 创建线程池
	pool := NewPool(Options{
		Size:             configs.Count,
		Loader:           NewSourceLoader(Db, configs.Http3),
		ProgramCacheSize: configs.ProgramCacheSize,
	})
	defer pool.Close()

	// 启动定时任务和守护任务
	scheduler := NewScheduler(pool, Db)
	defer scheduler.Stop()
	if err := scheduler.Reload(""); err != nil {
		LogWithError(err, -1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 监控当前进程的内存、cpu 和 worker 使用情况
	if configs.Monitor {
		go RunMonitor(ctx, pool)
	}

	mux := http.NewServeMux()
	h := &handler.Handler{
		Pool:          pool,
		Db:            Db,
		Scheduler:     scheduler,
		Authorization: configs.Authorization,
		Timeout:       configs.TaskTimeout,
	}
	if err := h.Routes(mux); err != nil {
		LogWithError(err, -1)
		return
	}

	// 启动服务
	go func() {
		if err := serve(configs, mux); err != nil && err != http.ErrServerClosed {
			LogWithError(err, -1)
			stop()
		}
	}()
	<-ctx.Done()
}

func serve(configs *config.Config, mux *http.ServeMux) error {
	if !configs.Secure { // 启用 HTTP，同时支持 h2c
		fmt.Println("Server has started on http://127.0.0.1:" + configs.Port + " 🚀")
		return http.ListenAndServe(":"+configs.Port, h2c.NewHandler(mux, &http2.Server{}))
	}

	fmt.Println("Server has started on https://127.0.0.1:" + configs.Port + " 🚀")
	tlsConfig := &tls.Config{
		ClientAuth: tls.RequestClientCert, // 可通过 request.TLS.PeerCertificates 获取客户端证书
	}
	if configs.ClientCertVerify { // 设置对客户端证书校验
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		b, err := os.ReadFile("./ca.crt")
		if err != nil {
			return err
		}
		tlsConfig.ClientCAs = x509.NewCertPool()
		tlsConfig.ClientCAs.AppendCertsFromPEM(b)
	}
	if configs.Http3 { // 启用 HTTP/3
		server := &http3.Server{
			Addr:      ":" + configs.Port,
			Handler:   mux,
			TLSConfig: tlsConfig,
		}
		return server.ListenAndServeTLS(configs.ServerCert, configs.ServerKey)
	}
	// 启用 HTTPS
	server := &http.Server{
		Addr:      ":" + configs.Port,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}
	return server.ListenAndServeTLS(configs.ServerCert, configs.ServerKey)
}
