package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"workflowkernel/internal/api/handler"
	"workflowkernel/internal/approval"
	"workflowkernel/internal/config"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/core/postgres/repository"
	redismirror "workflowkernel/internal/core/redis"
	"workflowkernel/internal/eventbus"
	"workflowkernel/internal/executor"
	"workflowkernel/internal/service"
	"workflowkernel/internal/statemachine"
	"workflowkernel/internal/taskregistry"
	"workflowkernel/internal/timeoutmgr"
)

const shutdownGrace = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	gateway := repository.NewGateway(db)

	// Redis is a best-effort mirror, never the system of record; a
	// failure to reach it at startup still logs but does not block
	// the kernel from serving, since the event bus tolerates a nil
	// mirror.
	// mirror stays a nil ports.EventMirror (not a nil *Mirror wrapped
	// in a non-nil interface) when redis is unavailable, so the bus's
	// "b.mirror != nil" guard actually skips it.
	var mirror ports.EventMirror
	redisClient, err := redismirror.NewClient(cfg.RedisAddress)
	if err != nil {
		log.Println("redis unavailable, continuing without event mirror:", err)
	} else {
		mirror = redismirror.NewMirror(redisClient)
	}

	bus := eventbus.New(eventbus.Config{
		MaxRetries:        cfg.EventBusMaxRetries,
		BackoffInitial:    cfg.EventBusBackoffInitial,
		BackoffMultiplier: cfg.EventBusBackoffMultiplier,
	}, gateway, mirror)
	defer bus.Close()

	sm := statemachine.New(gateway, bus)
	approvalSvc := approval.New(gateway, bus, cfg)
	registry := taskregistry.InitDefault()
	exec := executor.New(gateway, bus, sm, approvalSvc, registry, cfg)
	_ = exec // subscriptions are registered inside New; the reference stays alive for GC safety

	timeoutManager := timeoutmgr.New(gateway, bus, sm, cfg)
	timeoutManager.Start(ctx)
	defer timeoutManager.Stop()

	workflowSvc := service.New(gateway, bus, sm, approvalSvc)

	workflowHandler := handler.NewWorkflowHandler(workflowSvc)
	approvalHandler := handler.NewApprovalHandler(approvalSvc, gateway)

	router := gin.Default()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/workflows", workflowHandler.Create)
		api.GET("/workflows/:id", workflowHandler.Get)
		api.POST("/approvals", approvalHandler.Create)
		api.GET("/approvals/:id", approvalHandler.Get)
		api.POST("/callbacks/:token", approvalHandler.Callback)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Println("http server shutdown error:", err)
		}
	}()

	log.Println("workflow kernel listening on", cfg.HTTPAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server error:", err)
	}
}
