package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "DetCurator/Adhoc"
	"DetCurator/api"
	"DetCurator/config"
	"DetCurator/engine"
	backend "DetCurator/gRPC"
	"DetCurator/logger"
	"DetCurator/monitor"
	"DetCurator/service"
	"DetCurator/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "DetCurator:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	CPUNum := runtime.NumCPU()
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" HTTP  Port:", cfg.Port)
	fmt.Println(" gRPC  Port:", cfg.RPCPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > CPUNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workers", cfg.WorkersNum), zap.Int("cpus", CPUNum))
	}
	if cfg.LogMode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := engine.BuildRegistry(ctx, cfg, engine.NewCVRenderer(), logger.Named("engine"))
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn("closing models", zap.Error(err))
		}
		engine.ShutdownONNX()
	}()
	if _, err := reg.Get(cfg.DefaultModel); err != nil && reg.Len() > 0 {
		log.Warn("default model is not loaded", zap.String("model", cfg.DefaultModel))
	}

	predictor := service.NewPredictor(reg, cfg.WorkersNum, logger.Named("service"))
	defer predictor.Close()

	var catalog *store.Catalog
	if cfg.CatalogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath), 0o755); err != nil {
			return fmt.Errorf("create catalog dir: %w", err)
		}
		catalog, err = store.OpenCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer catalog.Close()
	}
	approvals := store.NewApprovalStore(cfg.ApprovalDir, catalog, logger.Named("store"))

	go func() {
		if err := monitor.StartMon(ctx, 2*time.Second); err != nil {
			log.Warn("process monitor disabled", zap.Error(err))
		}
	}()

	var rpc *grpc.Server
	if cfg.RPCPort > 0 {
		rpc, err = backend.StartGRPCServer(cfg.RPCPort, backend.NewServer(predictor, cfg.DefaultModel, logger.Named("grpc")), log)
		if err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			var regServer adhoc.RegServerConfig
			regServer.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
			wg.Add(1)
			go adhoc.SendAliveMessage(ctx, &wg, regServer, adhoc.Node{
				IP:       ip,
				Port:     cfg.Port,
				RPCPort:  cfg.RPCPort,
				Models:   reg.Names(),
				Interval: cfg.Heartbeat,
			})
		}
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	handler := api.New(predictor, approvals, api.Options{
		DefaultModel: cfg.DefaultModel,
		MaxUploadMB:  cfg.MaxUploadMB,
	}, logger.Named("http"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr), zap.Strings("models", reg.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	if rpc != nil {
		rpc.GracefulStop()
	}
	wg.Wait()
	log.Info("Safely exited")
	return err
}
