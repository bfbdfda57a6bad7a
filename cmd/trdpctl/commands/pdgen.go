package commands

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trdp-go/trdpd/internal/netio"
	"github.com/trdp-go/trdpd/internal/trdp"
)

// pdGenCmd opens its own ad-hoc PD publisher session directly against the
// network, independent of any running trdpd daemon, and cyclically sends a
// fixed-size payload until interrupted. This stands in for the TAUL-style
// periodic test traffic generator tools ship alongside the stack.
func pdGenCmd() *cobra.Command {
	var (
		localAddrStr string
		destAddrStr  string
		comID        uint32
		interval     time.Duration
		payloadSize  int
		iface        string
	)

	cmd := &cobra.Command{
		Use:   "pd-gen",
		Short: "Publish synthetic PD traffic",
		Long:  "Opens a standalone PD publisher and cyclically sends a fixed-size payload to --dest until interrupted (Ctrl+C), without requiring a running trdpd.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			local, err := netip.ParseAddr(localAddrStr)
			if err != nil {
				return fmt.Errorf("parse --local: %w", err)
			}
			dest, err := netip.ParseAddr(destAddrStr)
			if err != nil {
				return fmt.Errorf("parse --dest: %w", err)
			}
			if payloadSize <= 0 {
				return fmt.Errorf("--size must be positive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			pdConn, err := netio.ListenUDP(ctx, netip.AddrPortFrom(local, netio.PortPD), iface)
			if err != nil {
				return fmt.Errorf("listen PD: %w", err)
			}
			defer pdConn.Close()

			mdConn, err := netio.ListenUDP(ctx, netip.AddrPortFrom(local, netio.PortMD), iface)
			if err != nil {
				return fmt.Errorf("listen MD: %w", err)
			}
			defer mdConn.Close()

			sender := netio.NewSender(pdConn, mdConn, 3*time.Second, 30*time.Second)
			defer sender.Close()

			sess, err := trdp.Open(trdp.Config{
				LocalAddr: local,
				Mem: trdp.MemConfig{
					TrafficStoreSize: 4096,
					MaxNumSessions:   1,
				},
				Sender: sender,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			defer sess.Close()

			pub, err := sess.Publish(comID, dest, interval, 0, trdp.Descriptor{DatasetID: comID}, payloadSize)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			payload := make([]byte, payloadSize)

			go sess.Run(ctx)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			var sent uint64
			fmt.Fprintf(cmd.OutOrStdout(), "publishing comId=%d to %s every %s (Ctrl+C to stop)\n", comID, dest, interval)

			for {
				select {
				case <-ctx.Done():
					fmt.Fprintf(cmd.OutOrStdout(), "sent %d frames\n", sent)
					return nil
				case <-ticker.C:
					fillCounter(payload, sent)
					sess.WriteValue(pub, payload)
					sent++
				}
			}
		},
	}

	cmd.Flags().StringVar(&localAddrStr, "local", "", "local IP address to bind")
	cmd.Flags().StringVar(&destAddrStr, "dest", "", "destination IP address (unicast or multicast)")
	cmd.Flags().Uint32Var(&comID, "comid", 0, "comId to publish")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "publish cycle interval")
	cmd.Flags().IntVar(&payloadSize, "size", 16, "payload size in bytes")
	cmd.Flags().StringVar(&iface, "iface", "", "interface name, for multicast destinations")

	_ = cmd.MarkFlagRequired("local")
	_ = cmd.MarkFlagRequired("dest")
	_ = cmd.MarkFlagRequired("comid")

	return cmd
}

// fillCounter stamps buf's first 8 bytes with a monotonically increasing
// counter so a capture can tell consecutive cycles apart.
func fillCounter(buf []byte, n uint64) {
	for i := 0; i < 8 && i < len(buf); i++ {
		buf[i] = byte(n >> (8 * uint(i)))
	}
}
