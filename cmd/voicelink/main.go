package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	"voicelink/internal/core/ports"
	"voicelink/internal/infrastructure/media"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/internal/infrastructure/monitoring"
	sigclient "voicelink/internal/infrastructure/signal"
	vlwebrtc "voicelink/internal/infrastructure/webrtc"
	"voicelink/pkg/config"
	"voicelink/pkg/logger"
	"voicelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadFirst(
		"configs/config.yaml",
		"/etc/voicelink/config.yaml",
		"config.yaml",
	)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	slog := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to initialize tracing", "error", err)
	}

	bus := events.NewBus(slog)
	engine := media.NewEngine(slog)

	var metrics ports.MetricsSink
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	manager := vlwebrtc.NewManager(callConfig(cfg), engine, bus, metrics, slog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Initialize(ctx); err != nil {
		slog.Fatalw("failed to initialize transport", "error", err)
	}

	relay := sigclient.NewClient(sigclient.Config{
		URL:                 cfg.Signal.URL,
		TokenSecret:         cfg.Signal.TokenSecret,
		TokenTTL:            cfg.Signal.TokenTTL,
		DialTimeout:         cfg.Signal.DialTimeout,
		WriteTimeout:        cfg.Signal.WriteTimeout,
		CandidatesPerSecond: cfg.Signal.CandidatesPerSecond,
		CandidateBurst:      cfg.Signal.CandidateBurst,
	}, manager, bus, slog)

	if err := relay.Connect(ctx); err != nil {
		slog.Fatalw("failed to connect to signaling service", "error", err)
	}

	if err := manager.StartCall(ctx); err != nil {
		slog.Fatalw("failed to start call", "error", err)
	}

	if cfg.Signal.Initiator {
		if err := relay.SendOffer(ctx); err != nil {
			slog.Fatalw("failed to send offer", "error", err)
		}
	}

	server := diagnosticsServer(cfg, manager, slog)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Errorw("diagnostics server failed", "error", err)
		}
	}()

	slog.Infow("voicelink started",
		"session_id", manager.SessionID(),
		"signal_url", cfg.Signal.URL,
		"http_address", cfg.HTTP.Address,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")

	manager.Destroy()
	relay.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("diagnostics server shutdown failed", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("tracing shutdown failed", "error", err)
	}
}

func callConfig(cfg *config.Config) domain.CallConfig {
	servers := make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return domain.CallConfig{
		ICEServers: servers,
		PortRange: domain.PortRange{
			Min: cfg.WebRTC.PortRange.Min,
			Max: cfg.WebRTC.PortRange.Max,
		},
		PreferredCodecs: cfg.WebRTC.PreferredCodecs,
		Audio: domain.AudioConstraints{
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
			AutoGainControl:  cfg.Audio.AutoGainControl,
			SampleRate:       cfg.Audio.SampleRate,
			ChannelCount:     cfg.Audio.ChannelCount,
			Latency:          cfg.Audio.Latency,
		},
		ControlLabel: cfg.Control.Label,
	}
}

func diagnosticsServer(cfg *config.Config, manager *vlwebrtc.Manager, slog *zap.SugaredLogger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(slog))
	router.Use(middleware.RequestLogger(slog))
	router.Use(middleware.RateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst))
	if cfg.Tracing.Enabled {
		router.Use(middleware.Tracing())
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		stats := manager.ConnectionStats()
		if stats == nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true, "stats": stats})
	})

	router.GET("/stats/audio", func(c *gin.Context) {
		stats := manager.AudioStats()
		if stats == nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true, "stats": stats})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
}
