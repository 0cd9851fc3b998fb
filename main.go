package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbehnke/mari-nexus/backend/api"
	"github.com/dbehnke/mari-nexus/backend/config"
	"github.com/dbehnke/mari-nexus/backend/database"
	"github.com/dbehnke/mari-nexus/backend/middleware"
	"github.com/dbehnke/mari-nexus/backend/models"
	"github.com/dbehnke/mari-nexus/backend/repository"
	"github.com/dbehnke/mari-nexus/internal/hostlink"
	"github.com/dbehnke/mari-nexus/internal/mari"
	"github.com/dbehnke/mari-nexus/internal/radio"
	"github.com/dbehnke/mari-nexus/internal/registry"
	"github.com/dbehnke/mari-nexus/internal/web"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var buildVersion = ""
var buildTime = ""

func main() {
	configFile := flag.String("config", "", "Path to config file (default: search ./config.yaml, data/config.yaml, etc.)")
	writeExample := flag.String("write-example-config", "", "Write an example config file to the given path and exit")
	flag.Parse()

	if *writeExample != "" {
		if err := config.SaveExampleConfig(*writeExample); err != nil {
			log.Fatalf("write example config: %v", err)
		}
		return
	}

	cfg := config.Load(*configFile)

	logger, _ := zap.NewProduction()
	if cfg.Env == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	// Open DB
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("database open error: %v", err)
	}
	defer db.CloseSafe()
	if err := db.Migrate(); err != nil {
		log.Fatalf("migrate error: %v", err)
	}

	gormDB, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM database open error: %v", err)
	}
	if err := gormDB.AutoMigrate(
		&models.EventLog{},
		&models.NodeSession{},
	); err != nil {
		log.Fatalf("GORM auto-migrate error: %v", err)
	}

	eventRepo := repository.NewEventLogRepository(gormDB)
	sessionRepo := repository.NewNodeSessionRepository(gormDB)

	reg := registry.NewService(cfg.RegistryPath, cfg.RegistryURL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RegistryURL != "" {
		go reg.RunUpdater(ctx, time.Duration(cfg.RegistryUpdateHours)*time.Hour)
	}

	// Radio layer
	mariCfg := buildMariConfig(cfg)
	sched, err := mari.ScheduleByName(cfg.Schedule)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}

	udp := radio.NewUDPRadio(cfg.RadioListen, cfg.RadioPeers, logger)
	if err := udp.Start(ctx); err != nil {
		log.Fatalf("radio start: %v", err)
	}

	// Event plumbing: the runtime's subscriber pushes into a buffered
	// channel; slow consumers (DB, websocket) never stall the slot loop.
	eventCh := make(chan mari.Event, 64)
	handler := func(ev mari.Event) {
		select {
		case eventCh <- ev:
		default:
			logger.Warn("event channel full, dropping", zap.String("kind", ev.Kind.String()))
		}
	}

	rt, err := mari.NewRuntime(mariCfg, sched, udp, mari.NopSecurity{}, handler, logger)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	if err := db.RecordRun(mariCfg.Role.String(), fmt.Sprintf("%016x", mariCfg.DeviceID), mariCfg.NetworkID, sched.ID); err != nil {
		logger.Warn("record run failed", zap.Error(err))
	}

	hub := web.NewHub(logger)
	wsEvents := make(chan web.EventMessage, 64)
	go hub.EventLoop(wsEvents)

	// Host boundary (gateway only)
	var hostOut chan mari.Event
	if mariCfg.Role == mari.RoleGateway && cfg.HostLinkListen != "" {
		hostOut = make(chan mari.Event, 64)
		go runHostLink(ctx, cfg.HostLinkListen, rt, mariCfg, sched.ID, hostOut, logger)
	}

	go fanOutEvents(ctx, eventCh, wsEvents, hostOut, eventRepo, sessionRepo, reg, logger)

	go func() {
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runtime stopped", zap.Error(err))
		}
	}()

	// Monitor API
	apiLayer := api.New(rt, eventRepo, sessionRepo, reg)
	apiLayer.SetBuildInfo(buildVersion, buildTime)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", api.Health)
	mux.HandleFunc("/api/status", apiLayer.Status)
	mux.HandleFunc("/api/nodes", apiLayer.Nodes)
	mux.HandleFunc("/api/events", apiLayer.Events)
	mux.HandleFunc("/api/sessions", apiLayer.Sessions)
	mux.HandleFunc("/api/version", apiLayer.Version)
	mux.HandleFunc("/ws", hub.HandleWS(func() interface{} { return apiLayer.Snapshot() }))

	loggingMW := middleware.Logging(logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           loggingMW(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("monitor listening", zap.String("port", cfg.Port), zap.String("role", mariCfg.Role.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func buildMariConfig(cfg config.Config) mari.Config {
	mc := mari.DefaultConfig()
	if cfg.NodeType == "gateway" {
		mc.Role = mari.RoleGateway
	}
	mc.DeviceID = cfg.DeviceID
	if mc.DeviceID == 0 {
		mc.DeviceID = deriveDeviceID()
	}
	mc.NetworkID = cfg.NetworkID
	mc.FixedChannel = cfg.FixedChannel
	mc.FixedScanChannel = cfg.FixedScanChannel
	mc.BeaconCadence = cfg.BeaconCadence
	if cfg.PeerLostTimeoutSlots > 0 {
		mc.PeerLostTimeoutSlots = cfg.PeerLostTimeoutSlots
	}
	if cfg.OutOfSyncSlots > 0 {
		mc.OutOfSyncSlots = cfg.OutOfSyncSlots
	}
	if cfg.JoinResponseSlots > 0 {
		mc.JoinResponseSlots = cfg.JoinResponseSlots
	}
	if cfg.BloomMissThreshold > 0 {
		mc.BloomMissThreshold = cfg.BloomMissThreshold
	}
	if cfg.KeepalivePeriodSlots > 0 {
		mc.KeepalivePeriodSlots = cfg.KeepalivePeriodSlots
	}
	if cfg.TxQueueCapacity > 0 {
		mc.TxQueueCapacity = cfg.TxQueueCapacity
	}
	if cfg.SlotMicros > 0 {
		// Stretch the whole slot; sub-timing keeps the board defaults.
		extra := time.Duration(cfg.SlotMicros)*time.Microsecond - mc.Slot.WholeSlot()
		if extra > 0 {
			mc.Slot.EndGuard += extra
		}
	}
	return mc
}

// deriveDeviceID stands in for the hardware FICR id on boards; daemons
// without a configured id get a stable-ish identity from host and pid.
func deriveDeviceID() uint64 {
	host, _ := os.Hostname()
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, c := range []byte(host) {
		h ^= uint64(c)
		h *= 1099511628211
	}
	h ^= uint64(os.Getpid())
	if h == 0 {
		h = 1
	}
	return h
}

// fanOutEvents consumes runtime events and feeds the websocket hub, the
// repositories and the host boundary.
func fanOutEvents(ctx context.Context, in <-chan mari.Event, ws chan<- web.EventMessage, host chan<- mari.Event,
	eventRepo *repository.EventLogRepository, sessionRepo *repository.NodeSessionRepository,
	reg *registry.Service, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			nodeHex := fmt.Sprintf("%016x", ev.NodeID)
			name := ""
			if info := reg.Lookup(ev.NodeID); info != nil {
				name = info.Name
			}

			msg := web.EventMessage{
				Kind:      ev.Kind.String(),
				Tag:       ev.Tag.String(),
				NodeID:    nodeHex,
				NodeName:  name,
				GatewayID: fmt.Sprintf("%016x", ev.GatewayID),
				ASN:       ev.ASN,
				RSSI:      ev.RSSI,
				Payload:   ev.Payload,
			}
			select {
			case ws <- msg:
			default:
			}

			if host != nil {
				select {
				case host <- ev:
				default:
				}
			}

			if err := eventRepo.LogEvent(ev.Kind.String(), ev.Tag.String(), nodeHex, name, ev.ASN); err != nil {
				logger.Debug("event log write failed", zap.Error(err))
			}
			switch ev.Kind {
			case mari.EventNodeJoined:
				// Events carry no cell index, so sessions are recorded
				// with cell -1.
				if err := sessionRepo.OpenSession(nodeHex, -1, ev.ASN); err != nil {
					logger.Debug("session open failed", zap.Error(err))
				}
			case mari.EventNodeLeft:
				if err := sessionRepo.CloseSession(nodeHex, ev.ASN, ev.Tag.String()); err != nil {
					logger.Debug("session close failed", zap.Error(err))
				}
			}
		}
	}
}

// runHostLink serves the gateway mailbox: one host connection at a time,
// events out, data frames in.
func runHostLink(ctx context.Context, addr string, rt *mari.Runtime, cfg mari.Config, scheduleID uint8,
	events <-chan mari.Event, logger *zap.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("host link listen failed", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info("host link listening", zap.String("addr", addr))

	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		logger.Info("host connected", zap.String("remote", conn.RemoteAddr().String()))
		serveHost(ctx, conn, rt, cfg, scheduleID, events, logger)
		conn.Close()
	}
}

func serveHost(ctx context.Context, conn net.Conn, rt *mari.Runtime, cfg mari.Config, scheduleID uint8,
	events <-chan mari.Event, logger *zap.Logger) {
	enc := hostlink.NewEncoder(conn)
	if err := enc.GatewayInfo(cfg.DeviceID, cfg.NetworkID, scheduleID); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := hostlink.NewDecoder(conn)
		for {
			rec, err := dec.NextInbound()
			if err != nil {
				if errors.Is(err, hostlink.ErrUnsupported) {
					logger.Warn("host sent unsupported record", zap.Uint8("type", rec.Type))
					continue
				}
				return
			}
			if err := rt.EnqueueFrame(rec.Frame); err != nil {
				logger.Warn("host downlink dropped", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-events:
			var err error
			switch ev.Kind {
			case mari.EventNodeJoined:
				err = enc.NodeJoined(ev.NodeID)
			case mari.EventNodeLeft:
				err = enc.NodeLeft(ev.NodeID)
			case mari.EventKeepalive:
				err = enc.Keepalive(ev.NodeID)
			case mari.EventNewPacket:
				err = enc.Data(ev.Payload)
			}
			if err != nil {
				logger.Warn("host link write failed", zap.Error(err))
				return
			}
		}
	}
}
