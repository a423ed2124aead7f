package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imattdu/xrayagent/config"
	"github.com/imattdu/xrayagent/httpclient"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/middleware"
	"github.com/imattdu/xrayagent/tracex"
)

// 示例服务：入站请求一个 segment，下游 HTTP 和 SQL 各一个 subsegment
func main() {
	cfgPath := flag.String("config", "", "agent config file (json)")
	listen := flag.String("listen", ":8080", "http listen address")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
	}
	if err := logx.Init(cfg.LogConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "log init:", err)
		os.Exit(1)
	}
	defer logx.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := tracex.New(tracex.WithConfig(cfg), tracex.WithLogger(logx.L()))
	if err != nil {
		logx.Error(ctx, logx.TagConfig, err)
		return
	}
	if err := rec.Start(ctx); err != nil {
		logx.Error(ctx, logx.TagConfig, err)
		return
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rec.Stop(sctx)
	}()

	downstream, err := httpclient.New(append(middleware.NewOutbound(rec).Options(),
		httpclient.WithBaseURL("http://127.0.0.1"+*listen),
		httpclient.WithDefaultTimeout(2*time.Second),
		httpclient.WithLogger(logx.L()))...)
	if err != nil {
		logx.Error(ctx, logx.TagConfig, err)
		return
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.TraceMiddleware(rec), middleware.AccessMiddleware(logx.L()))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/inventory/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "stock": 3})
	})
	r.GET("/orders/:id", func(c *gin.Context) {
		rctx := c.Request.Context()
		rec.AddAnnotation(rec.Current(rctx), "order_id", c.Param("id"))

		var stock map[string]any
		if _, err := downstream.GetJSON(rctx, "/inventory/"+c.Param("id"), &stock); err != nil {
			_ = c.Error(err)
			c.Status(http.StatusBadGateway)
			return
		}
		err := middleware.TraceQuery(rctx, rec, middleware.DB{
			Name: "orders", Host: "localhost", DatabaseType: "PostgreSQL",
		}, "SELECT * FROM orders WHERE id = $1", func(context.Context) error {
			time.Sleep(3 * time.Millisecond)
			return nil
		})
		if err != nil {
			_ = c.Error(err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "stock": stock["stock"]})
	})

	srv := &http.Server{Addr: *listen, Handler: r}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logx.Info(ctx, logx.TagConfig, "listening", "addr", *listen, "sampling", cfg.SamplingStrategy)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Error(ctx, logx.TagConfig, err)
	}
}
