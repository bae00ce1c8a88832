package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trxd/internal/config"
	"trxd/internal/driver"
	"trxd/internal/gps"
	"trxd/internal/logging"
	"trxd/internal/metrics"
	"trxd/internal/mqttbridge"
	"trxd/internal/server"
	"trxd/internal/trx"
	"trxd/internal/udp"
	"trxd/internal/web"
)

// runtimeDeps are the seams tests replace. Zero values select the real
// implementations.
type runtimeDeps struct {
	logs *web.LogBuffer
	open trx.OpenFunc
}

type runtime struct {
	cfg     config.Config
	log     logrus.FieldLogger
	logs    *web.LogBuffer
	metrics *metrics.Metrics
	manager *trx.Manager
	gps     *gps.Service
	bridge  *mqttbridge.Bridge
	udp     *udp.Broadcaster
	server  *server.Server
}

// newRuntime opens the configured transceivers and binds the front end.
// Nothing is served until Run.
func newRuntime(ctx context.Context, cfg config.Config, deps runtimeDeps) (*runtime, error) {
	r := &runtime{
		cfg:     cfg,
		log:     logging.Component("main"),
		logs:    deps.logs,
		metrics: metrics.New(),
	}

	reg := trx.NewRegistry()
	driver.Register(reg)
	r.manager = trx.NewManager(reg, trx.Options{
		CommandTimeout: cfg.Trx.CommandTimeout,
		PollInterval:   cfg.Trx.PollInterval,
		IdleTimeout:    cfg.Trx.IdleTimeout,
		Open:           deps.open,
		Log:            logging.Component("trx"),
	})
	r.metrics.ObserveSessions(r.manager.Count)

	for _, d := range cfg.Trx.Devices {
		if _, err := r.manager.Open(ctx, trx.DeviceConfig{
			Name:   d.Name,
			Device: d.Device,
			Driver: d.Driver,
			Speed:  d.Speed,
		}); err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "transceiver %s", d.Name)
		}
		r.log.WithFields(logrus.Fields{"trx": d.Name, "device": d.Device, "driver": d.Driver}).Info("transceiver ready")
	}

	if cfg.GPS.Enable {
		r.gps = gps.New(gps.Config{
			Enable:      true,
			Source:      cfg.GPS.Source,
			Device:      cfg.GPS.Device,
			Baud:        cfg.GPS.Baud,
			GPSDAddr:    cfg.GPS.GPSDAddr,
			ReplayPath:  cfg.GPS.ReplayPath,
			ReplaySpeed: cfg.GPS.ReplaySpeed,
			ReplayLoop:  cfg.GPS.ReplayLoop,
			RecordPath:  cfg.GPS.RecordPath,
		}, logging.Component("gps"), r.metrics)
	}

	if cfg.MQTT.Enable {
		r.bridge = mqttbridge.Dial(mqttbridge.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logging.Component("mqtt"))
		r.subscribeConfigured(r.bridge)
		if r.gps != nil {
			r.gps.OnFix(r.bridge.PublishFix)
		}
	}

	if cfg.UDP.Enable {
		b, err := udp.NewBroadcaster(cfg.UDP.Dest, logging.Component("udp"))
		if err != nil {
			r.Close()
			return nil, errors.Wrap(err, "udp events")
		}
		r.udp = b
		r.subscribeConfigured(b)
	}

	var position server.PositionSource
	if r.gps != nil {
		position = r.gps
	}
	r.server = server.New(server.Config{
		Address:          cfg.Listen.Address,
		Port:             cfg.Listen.Port,
		Path:             cfg.Listen.Path,
		HandshakeTimeout: cfg.Listen.HandshakeTimeout,
		LogConnections:   cfg.Listen.LogConnections,
		AllowDynamic:     cfg.Trx.AllowDynamic,
	}, r.manager, position, logging.Component("server"), r.metrics)
	if err := r.server.Listen(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Run serves until ctx is cancelled or a component fails, then releases
// every device.
func (r *runtime) Run(ctx context.Context) error {
	defer r.Close()

	g, gctx := errgroup.WithContext(ctx)
	if r.gps != nil {
		if err := r.gps.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error { return r.server.Serve(gctx) })

	if addr := r.cfg.Metrics.Listen; addr != "" {
		status := web.NewStatus(version, web.Sources{
			Transceivers: r.manager.List,
			Position:     r.gps.Status,
			Listen:       r.listenAddrs,
		})
		h := web.Handler(status, r.logs, r.metrics.Handler())
		r.log.WithField("addr", addr).Info("status server listening")
		g.Go(func() error { return web.Serve(gctx, addr, h) })
	}

	return g.Wait()
}

// subscribeConfigured attaches sub to every configured session. On-demand
// sessions come and go with their clients and are not mirrored.
func (r *runtime) subscribeConfigured(sub trx.Subscriber) {
	for _, info := range r.manager.List() {
		if s, err := r.manager.Get(info.Name); err == nil {
			_ = s.Subscribe(sub)
		}
	}
}

func (r *runtime) listenAddrs() []string {
	var out []string
	for _, a := range r.server.Addrs() {
		out = append(out, a.String())
	}
	return out
}

func (r *runtime) Close() {
	if r.gps != nil {
		r.gps.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.udp != nil {
		_ = r.udp.Close()
	}
}
