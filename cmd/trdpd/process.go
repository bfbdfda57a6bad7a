package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trdp-go/trdpd/internal/config"
	trdpmetrics "github.com/trdp-go/trdpd/internal/metrics"
	"github.com/trdp-go/trdpd/internal/netio"
	"github.com/trdp-go/trdpd/internal/trdp"
)

// mdDialTimeout and mdIdleTimeout bound the pooled outbound MD TCP
// connections internal/netio keeps per destination.
const (
	mdDialTimeout = 3 * time.Second
	mdIdleTimeout = 30 * time.Second
)

// openProcess bundles the live resources behind one declared ProcessConfig:
// its sockets, the Session they feed, and the cancel func that stops its
// receive loops and cooperative-scheduling goroutine on reconcile/shutdown.
type openProcess struct {
	pdConn     *netio.UDPConn
	mdConn     *netio.UDPConn
	mdListener net.Listener
	sender     *netio.Sender
	cancel     context.CancelFunc
}

func (p *openProcess) close() {
	p.cancel()
	_ = p.pdConn.Close()
	_ = p.mdConn.Close()
	_ = p.mdListener.Close()
	p.sender.Close()
}

// daemonState owns the trdp.Manager (for admin/metrics introspection) and
// the per-process socket resources the Manager itself doesn't track.
type daemonState struct {
	manager   *trdp.Manager
	collector *trdpmetrics.Collector
	logger    *slog.Logger

	processes map[string]*openProcess
}

func newDaemonState(mgr *trdp.Manager, collector *trdpmetrics.Collector, logger *slog.Logger) *daemonState {
	return &daemonState{
		manager:   mgr,
		collector: collector,
		logger:    logger.With(slog.String("component", "daemon")),
		processes: make(map[string]*openProcess),
	}
}

func (ds *daemonState) closeAll() {
	for key, p := range ds.processes {
		p.close()
		delete(ds.processes, key)
	}
	_ = ds.manager.CloseAll()
}

// reconcile diffs cfg.Sessions against the currently open processes: it
// tears down processes whose key disappeared, and opens processes for new
// keys. Existing keys are left untouched; TRDP has no in-place Session
// reconfiguration, so a changed process entry must be removed and re-added
// across two reloads to take effect.
func (ds *daemonState) reconcile(ctx context.Context, g *errgroup.Group, cfg *config.Config) error {
	desired := make(map[string]config.ProcessConfig, len(cfg.Sessions))
	for _, pc := range cfg.Sessions {
		desired[pc.ProcessKey()] = pc
	}

	for key, p := range ds.processes {
		if _, want := desired[key]; !want {
			p.close()
			_ = ds.manager.Close(key)
			delete(ds.processes, key)
			ds.logger.Info("process closed", slog.String("key", key))
		}
	}

	var openErr error
	for key, pc := range desired {
		if _, open := ds.processes[key]; open {
			continue
		}
		if err := ds.openProcessEntry(ctx, g, key, pc, cfg.TRDP); err != nil {
			ds.logger.Error("failed to open process, skipping",
				slog.String("key", key), slog.String("error", err.Error()))
			openErr = err
			continue
		}
		ds.logger.Info("process opened", slog.String("key", key))
	}

	return openErr
}

// openProcessEntry binds the PD/MD UDP sockets and MD TCP listener for one
// declared process, opens its Session, and starts its receive and
// cooperative-scheduling goroutines under g.
func (ds *daemonState) openProcessEntry(
	ctx context.Context,
	g *errgroup.Group,
	key string,
	pc config.ProcessConfig,
	trdpCfg config.TRDPConfig,
) error {
	local, err := pc.LocalAddr()
	if err != nil {
		return fmt.Errorf("process local addr: %w", err)
	}

	pdConn, err := netio.ListenUDP(ctx, netip.AddrPortFrom(local, netio.PortPD), pc.Interface)
	if err != nil {
		return fmt.Errorf("listen PD on %s: %w", local, err)
	}
	mdConn, err := netio.ListenUDP(ctx, netip.AddrPortFrom(local, netio.PortMD), pc.Interface)
	if err != nil {
		_ = pdConn.Close()
		return fmt.Errorf("listen MD on %s: %w", local, err)
	}
	mdListener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: local.AsSlice(), Port: int(netio.PortMDTCP)})
	if err != nil {
		_ = pdConn.Close()
		_ = mdConn.Close()
		return fmt.Errorf("listen MD TCP on %s: %w", local, err)
	}

	sender := netio.NewSender(pdConn, mdConn, mdDialTimeout, mdIdleTimeout)

	procCtx, cancel := context.WithCancel(ctx)

	sess, err := ds.manager.Open(key, trdp.Config{
		LocalAddr:      local,
		EtbTopoCount:   pc.EtbTopoCount,
		OpTrnTopoCount: pc.OpTrnTopoCount,
		Mem: trdp.MemConfig{
			TrafficStoreSize: trdpCfg.TrafficStoreSize,
			MaxNumSessions:   trdpCfg.MaxNumSessions,
		},
		Sender:  sender,
		Logger:  ds.logger,
		Metrics: ds.collector,
	})
	if err != nil {
		cancel()
		_ = pdConn.Close()
		_ = mdConn.Close()
		_ = mdListener.Close()
		sender.Close()
		return fmt.Errorf("open session: %w", err)
	}

	sender.SetPeerFailureHook(sess.FailPeerTCP)

	recv := netio.NewReceiver(sess, ds.logger)

	g.Go(func() error {
		recv.RunPD(procCtx, pdConn)
		return nil
	})
	g.Go(func() error {
		recv.RunMDUDP(procCtx, mdConn)
		return nil
	})
	g.Go(func() error {
		recv.RunMDTCPListener(procCtx, mdListener)
		return nil
	})
	g.Go(func() error {
		sess.Run(procCtx)
		return nil
	})
	g.Go(func() error {
		ds.housekeep(procCtx, sess, sender)
		return nil
	})

	ds.processes[key] = &openProcess{
		pdConn:     pdConn,
		mdConn:     mdConn,
		mdListener: mdListener,
		sender:     sender,
		cancel:     cancel,
	}

	return nil
}

// housekeep runs the per-process periodic chores: refreshing the
// population gauges from Session.Stats (traffic counters are pushed
// inline by the engines through the session's MetricsReporter) and
// evicting MD TCP connections that have sat idle past the sending
// timeout.
func (ds *daemonState) housekeep(ctx context.Context, sess *trdp.Session, sender *netio.Sender) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			np, ns, nmd := sess.Stats()
			addr := sess.LocalAddr()
			ds.collector.SetPublishers(addr, np)
			ds.collector.SetSubscribers(addr, ns)
			ds.collector.SetMDSessions(addr, nmd)

			sender.CloseIdle()
		}
	}
}
