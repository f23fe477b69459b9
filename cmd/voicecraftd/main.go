package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotaledger/hive.go/daemon"
	"github.com/iotaledger/hive.go/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elevengr/voicecraft/packages/configuration"
	"github.com/elevengr/voicecraft/packages/metrics"
	"github.com/elevengr/voicecraft/packages/shutdown"
	"github.com/elevengr/voicecraft/packages/timeutil"
	"github.com/elevengr/voicecraft/packages/voicenet/server"
	"github.com/elevengr/voicecraft/packages/voicenet/transport"
)

const defaultZapConfig = `{
	"level": "info",
	"development": false,
	"outputPaths": ["stdout"],
	"errorOutputPaths": ["stderr"],
	"encoding": "console",
	"encoderConfig": {
	  "timeKey": "ts",
	  "levelKey": "level",
	  "nameKey": "logger",
	  "messageKey": "msg",
	  "lineEnding": "",
	  "levelEncoder": "",
	  "timeEncoder": "iso8601",
	  "durationEncoder": "",
	  "callerEncoder": ""
	}
  }`

// Parameters of the voice server daemon.
var Parameters = struct {
	BindAddress        string        `default:"0.0.0.0:9050" usage:"UDP bind address of the voice transport"`
	TickInterval       time.Duration `default:"5ms" usage:"cadence of the resend/liveness tick"`
	LivenessWindow     time.Duration `default:"30s" usage:"idle time after which a peer is evicted"`
	MaxPeers           int           `default:"0" usage:"maximum number of simultaneous peers, 0 for unlimited"`
	RateLimit          int           `default:"1000" usage:"datagrams accepted per endpoint per interval, 0 to disable"`
	RateLimitInterval  time.Duration `default:"1s" usage:"window of the per-endpoint rate limit"`
	MetricsEnabled     bool          `default:"true" usage:"expose Prometheus metrics"`
	MetricsBindAddress string        `default:"0.0.0.0:9311" usage:"bind address of the metrics endpoint"`
	LogLevel           string        `default:"info" usage:"log level of the root logger"`
}{}

var configFile = pflag.String("config", "", "path to an optional JSON config file")

func main() {
	configuration.DefineParameters(&Parameters, "voice")
	pflag.Parse()

	config := configuration.New()
	if err := config.Load(*configFile); err != nil {
		panic(err)
	}

	log := newRootLogger(config.String("voice.logLevel"))
	rand.Seed(time.Now().UnixNano())

	if err := daemon.BackgroundWorker("VoiceServer", func(ctx context.Context) {
		runVoiceServer(log, config, ctx.Done())
	}, shutdown.PriorityVoiceServer); err != nil {
		log.Fatalw("failed to start worker", "err", err)
	}

	if config.Bool("voice.metricsEnabled") {
		if err := daemon.BackgroundWorker("Metrics", func(ctx context.Context) {
			runMetrics(log, config.String("voice.metricsBindAddress"), ctx.Done())
		}, shutdown.PriorityMetrics); err != nil {
			log.Fatalw("failed to start worker", "err", err)
		}
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Info("received shutdown signal")
		daemon.Shutdown()
	}()

	daemon.Run()
	log.Info("shutdown complete")
}

func newRootLogger(level string) *logger.Logger {
	var cfg zap.Config
	if err := json.Unmarshal([]byte(defaultZapConfig), &cfg); err != nil {
		panic(err)
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		panic(err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l.Sugar().Named("voicecraftd")
}

func runVoiceServer(log *logger.Logger, config *configuration.Configuration, shutdownSignal <-chan struct{}) {
	bindAddress := config.String("voice.bindAddress")

	// the socket may be briefly unavailable after a restart, keep trying
	var trans *transport.UDP
	for {
		var err error
		if trans, err = transport.ListenUDP(bindAddress); err == nil {
			break
		}
		log.Warnw("failed to bind, retrying", "addr", bindAddress, "err", err)
		if !timeutil.Sleep(1*time.Second, shutdownSignal) {
			return
		}
	}

	srv, err := server.Listen(trans, server.Config{
		TickInterval:      config.Duration("voice.tickInterval"),
		LivenessWindow:    config.Duration("voice.livenessWindow"),
		MaxPeers:          config.Int("voice.maxPeers"),
		RateLimit:         config.Int("voice.rateLimit"),
		RateLimitInterval: config.Duration("voice.rateLimitInterval"),
	}, log.Named("server"))
	if err != nil {
		log.Errorw("failed to start voice server", "err", err)
		trans.Close()
		return
	}
	log.Infow("voice server started", "addr", trans.LocalAddr())

	<-shutdownSignal
	srv.Close()
	log.Info("voice server stopped")
}

func runMetrics(log *logger.Logger, bindAddress string, shutdownSignal <-chan struct{}) {
	registry := prometheus.NewRegistry()
	metrics.RegisterPrometheus(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: bindAddress, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics endpoint failed", "err", err)
		}
	}()
	log.Infow("metrics endpoint started", "addr", bindAddress)

	<-shutdownSignal
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("metrics endpoint stopped")
}
