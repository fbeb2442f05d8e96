// Command reader runs the HomeKey NFC reader daemon (spec §6 "Process"):
// the NFC polling loop, the BLE lock-activation bridge, the control-point
// HAP surface, and an internal health endpoint, sharing one key-material
// store.
//
// Grounded on dc4eu-vc/cmd/issuer/main.go's wiring idiom: a
// map[string]service{Close(ctx) error}, built up service by service with
// panic-on-fatal-misconfiguration, torn down on SIGINT/SIGTERM by ranging
// over the map, so the services close in no fixed order.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/hansallis/apple-home-key-reader/internal/reader/ble"
	"github.com/hansallis/apple-home-key-reader/internal/reader/healthserver"
	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcdriver"
	"github.com/hansallis/apple-home-key-reader/internal/reader/service"
	"github.com/hansallis/apple-home-key-reader/internal/reader/store"
	"github.com/hansallis/apple-home-key-reader/pkg/configuration"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
	"github.com/hansallis/apple-home-key-reader/pkg/model"
	"github.com/hansallis/apple-home-key-reader/pkg/trace"
)

type closer interface {
	Close(ctx context.Context) error
}

func main() {
	ctx := context.Background()

	cfg, err := configuration.Parse(ctx, logger.NewSimple("configuration"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New("reader", cfg.Common.Log.FolderPath, cfg.Common.Production)
	if err != nil {
		panic(err)
	}

	tracer, err := trace.New(ctx, cfg, log, "reader")
	if err != nil {
		panic(err)
	}

	services := make(map[string]closer)

	keyStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		panic(err)
	}
	if c, ok := keyStore.(closer); ok {
		services["store"] = c
	}

	registry := ble.NewRegistry(buildScanner(log), log.New("ble-registry"))

	var gattBackend interface {
		Connect(ctx context.Context, address string, onDisconnect func()) (ble.Session, error)
	}
	if conn, err := dbus.ConnectSystemBus(); err != nil {
		log.Error(err, "no BlueZ system bus reachable, BLE lock activation disabled")
		gattBackend = ble.NewNoopGATTBackend()
	} else {
		gattBackend = ble.NewBluezGATTBackend(conn)
	}
	manager := ble.NewManager(registry, gattBackend)

	svc := service.New(service.Config{
		Frontend:                buildFrontend(cfg, log),
		Store:                   keyStore,
		BLERegistry:             registry,
		BLEManager:              manager,
		OracleBaseURL:           cfg.HomeKey.APIBaseURL,
		Express:                 cfg.HomeKey.Express,
		FinishName:              cfg.HomeKey.Finish,
		FlowName:                cfg.HomeKey.Flow,
		ThrottlePolling:         cfg.HomeKey.ThrottlePolling,
		CompatDuplicateOnCreate: cfg.HomeKey.CompatDuplicateOnCreate,
		Log:                     log.New("service"),
	})
	svc.Start(ctx)
	services["service"] = serviceCloser{svc}

	healthService, err := healthserver.New(ctx, cfg.Health.Addr, cfg.Common.Production, svc, tracer, log.New("healthserver"))
	if err != nil {
		panic(err)
	}
	services["healthserver"] = healthService

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	mainLog := log.New("main")
	mainLog.Info("halting signal received")

	for name, svc := range services {
		if err := svc.Close(ctx); err != nil {
			mainLog.Error(err, "closing service", "service", name)
		}
	}

	if err := tracer.Shutdown(ctx); err != nil {
		mainLog.Error(err, "tracer shutdown")
	}

	mainLog.Info("stopped")
}

// serviceCloser adapts service.Service's (ctx) context-carrying Stop into
// the closer interface every other entry in the services map satisfies
// directly.
type serviceCloser struct{ svc *service.Service }

func (s serviceCloser) Close(ctx context.Context) error { return s.svc.Stop(ctx) }

// buildStore selects FileStore or RESTStore per cfg.HomeKey.UseAPIRepository
// (spec §4.1).
func buildStore(ctx context.Context, cfg *model.Cfg, log *logger.Log) (store.Store, error) {
	if cfg.HomeKey.UseAPIRepository {
		return store.NewRESTStore(ctx, cfg.HomeKey.APIBaseURL, cfg.HomeKey.APISecret, log.New("reststore"))
	}
	return store.NewFileStore(cfg.HomeKey.Persist, log.New("filestore"))
}

// buildFrontend returns nfcdriver.Stub until a physical CLF binding is
// wired in for cfg.NFC.Driver (spec §1 Non-goals).
func buildFrontend(cfg *model.Cfg, log *logger.Log) nfcdriver.ContactlessFrontend {
	log.Info("no physical NFC driver binding wired in, NFC polling disabled", "configured_driver", cfg.NFC.Driver)
	return nfcdriver.Stub{Reason: "no physical CLF binding configured"}
}

// buildScanner connects to the system bus for BLE discovery, falling back
// to ble.NoopScanner when no D-Bus/BlueZ stack is reachable.
func buildScanner(log *logger.Log) ble.Scanner {
	scanner, err := ble.NewBluezScanner()
	if err != nil {
		log.Error(err, "no BlueZ system bus reachable, BLE scanning disabled")
		return ble.NoopScanner{}
	}
	return scanner
}
