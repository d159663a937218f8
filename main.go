package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"charge_point/chargepoint"
	"charge_point/config"
	"charge_point/configuration"
	"charge_point/engine"
	"charge_point/logging"
	"charge_point/metrics"
	notifier "charge_point/notifier/nats"
	"charge_point/transport/ws"
)

const (
	AUTHORIZE         = "authorize"
	START_TRANSACTION = "start.transaction"
	STOP_TRANSACTION  = "stop.transaction"
	BEGIN_SESSION     = "begin.session"
	END_SESSION       = "end.session"
	SET_PLUGGED       = "set.plugged"
	SET_FAULT         = "set.fault"
	SET_AVAILABILITY  = "set.availability"
	SET_CONFIGURATION = "set.configuration"
	STATUS            = "status"
)

var log *logrus.Logger

func registerHandlers(natsNotifier interface {
	AddHandler(action string, fn notifier.Function)
}, handler *ChargePointHandler) {
	natsNotifier.AddHandler(AUTHORIZE, handler.Authorize)
	natsNotifier.AddHandler(START_TRANSACTION, handler.StartTransaction)
	natsNotifier.AddHandler(STOP_TRANSACTION, handler.StopTransaction)
	natsNotifier.AddHandler(BEGIN_SESSION, handler.BeginSession)
	natsNotifier.AddHandler(END_SESSION, handler.EndSession)
	natsNotifier.AddHandler(SET_PLUGGED, handler.SetPlugged)
	natsNotifier.AddHandler(SET_FAULT, handler.SetFault)
	natsNotifier.AddHandler(SET_AVAILABILITY, handler.SetAvailability)
	natsNotifier.AddHandler(SET_CONFIGURATION, handler.SetConfiguration)
	natsNotifier.AddHandler(STATUS, handler.Status)
}

// Start function
func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("couldn't load configuration: %v", err)
	}
	log = logging.InitLogger(cfg.Logging)
	logrus.SetLevel(log.GetLevel())
	logrus.SetFormatter(log.Formatter)
	logrus.SetOutput(log.Out)

	store := configuration.NewStore(cfg.Storage.Dir, log)
	registry := metrics.NewRegistry()
	engineMetrics := metrics.NewEngineMetrics(registry)

	wsOpts := []ws.Option{
		ws.WithLogger(log),
		ws.WithBackoff(cfg.CentralSystem.MinReconnect, cfg.CentralSystem.MaxReconnect),
		ws.WithWriteWait(cfg.CentralSystem.WriteTimeout),
	}
	if cfg.CentralSystem.User != "" {
		wsOpts = append(wsOpts, ws.WithBasicAuth(cfg.CentralSystem.User, cfg.CentralSystem.Password))
	}
	transport := ws.New(cfg.EndpointURL(), wsOpts...)

	handler := NewChargePointHandler()
	cpOpts := []chargepoint.Option{
		chargepoint.WithLogger(log),
		chargepoint.WithMetrics(engineMetrics),
		chargepoint.WithEngineOptions(
			engine.WithMaxFrameSize(cfg.Engine.MaxFrameSize),
			engine.WithDefaultTimeout(engine.Timeout{Duration: cfg.Engine.DefaultTimeout}),
		),
	}
	if cfg.Nats.Enable {
		cpOpts = append(cpOpts, chargepoint.WithNotifier(handler.Notify))
	}
	cp := chargepoint.New(transport, store, cfg.ChargePoint.Connectors, chargepoint.Identity{
		Model:           cfg.ChargePoint.Model,
		Vendor:          cfg.ChargePoint.Vendor,
		SerialNumber:    cfg.ChargePoint.SerialNumber,
		FirmwareVersion: cfg.ChargePoint.FirmwareVersion,
	}, cpOpts...)
	handler.Attach(cp)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Nats.Enable {
		natsNotifier := notifier.New(log)
		natsNotifier.SetChannel(handler.NotificationChannel())
		natsNotifier.SetTimeout(cfg.Nats.RequestTimeout)
		registerHandlers(natsNotifier, handler)
		if err := natsNotifier.Start(cfg.Nats.URL); err != nil {
			log.Errorf("command bridge disabled: %v", err)
		} else {
			defer natsNotifier.Stop()
		}
	}

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: routes(handler, registry)}
	go func() {
		log.Infof("serving http on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server stopped: %v", err)
		}
	}()

	go transport.Run(ctx)

	log.Infof("starting charge point %s against %s", cfg.ChargePoint.ID, cfg.EndpointURL())
	handler.Run(ctx, transport, cfg.Engine.LoopInterval)

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if err := store.Save(); err != nil {
		log.Errorf("couldn't save configuration: %v", err)
	}
	log.Info("stopped charge point")
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
}
