package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/designdream/robot-heart-ios-sub004/internal/gateway"
	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/node"
	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
	"github.com/designdream/robot-heart-ios-sub004/internal/radio"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshd")
}

// gatewayEnv holds the remote-store settings, read from MESH_* environment
// variables so credentials stay out of argv and shell history.
type gatewayEnv struct {
	S3Bucket         string        `envconfig:"S3_BUCKET"`
	S3Region         string        `envconfig:"S3_REGION"`
	S3Endpoint       string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey      string        `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey      string        `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Prefix         string        `envconfig:"S3_PREFIX"`
	S3PathStyle      bool          `envconfig:"S3_PATH_STYLE"`
	SyncInterval     time.Duration `envconfig:"SYNC_INTERVAL" default:"60s"`
	ReachabilityPoll time.Duration `envconfig:"REACHABILITY_POLL" default:"5s"`
}

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "Offline-first mesh messaging daemon",
	Long: `meshd — store-and-forward messaging for places with no infrastructure.

Messages hop peer to peer over short- and long-range links, queue locally
while no route exists, and drain the moment connectivity returns. Any node
that reaches the internet over wifi or wired ethernet promotes itself to a
gateway and syncs with the shared object store.`,
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		deviceID, _ := cmd.Flags().GetString("device")
		displayName, _ := cmd.Flags().GetString("name")
		listen, _ := cmd.Flags().GetString("listen")
		peer, _ := cmd.Flags().GetString("peer")
		longListen, _ := cmd.Flags().GetString("long-listen")
		longPeer, _ := cmd.Flags().GetString("long-peer")
		metricsAddr, _ := cmd.Flags().GetString("metrics")

		if deviceID == "" {
			host, _ := os.Hostname()
			deviceID = host
		}
		if displayName == "" {
			displayName = deviceID
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return err
		}

		db, err := bolt.Open(filepath.Join(dataDir, "mesh.db"), 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		shortLink, err := radio.NewTCP(listen, peer)
		if err != nil {
			return fmt.Errorf("short-range link: %w", err)
		}
		shortMgr := radio.NewManager(shortLink, protocol.ShortRange)

		var longMgr *radio.Manager
		if longListen != "" || longPeer != "" {
			longLink, err := radio.NewTCP(longListen, longPeer)
			if err != nil {
				return fmt.Errorf("long-range link: %w", err)
			}
			longMgr = radio.NewManager(longLink, protocol.LongRange)
		}

		n, err := node.New(node.Config{
			DeviceID:    deviceID,
			DisplayName: displayName,
			DB:          db,
			ShortRange:  shortMgr,
			LongRange:   longMgr,
		})
		if err != nil {
			return err
		}

		var env gatewayEnv
		if err := envconfig.Process("mesh", &env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		var coord *gateway.Coordinator
		if env.S3Bucket != "" {
			store, err := gateway.NewS3Store(context.Background(), gateway.S3Config{
				Bucket:          env.S3Bucket,
				Region:          env.S3Region,
				Endpoint:        env.S3Endpoint,
				AccessKeyID:     env.S3AccessKey,
				SecretAccessKey: env.S3SecretKey,
				Prefix:          env.S3Prefix,
				UsePathStyle:    env.S3PathStyle,
			})
			if err != nil {
				return fmt.Errorf("remote store: %w", err)
			}
			defer store.Close()

			monitor := gateway.NewPollMonitor(env.ReachabilityPoll)
			defer monitor.Close()

			coord, err = gateway.New(gateway.Config{
				DeviceID:     deviceID,
				UserID:       deviceID,
				Store:        store,
				DB:           db,
				Queue:        n.Queue(),
				Seen:         n.Seen(),
				Monitor:      monitor,
				Inject:       n.Inject,
				SyncInterval: env.SyncInterval,
			})
			if err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			n.AttachGateway(coord)
		}

		n.Start()
		defer n.Stop()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Printf("metrics: %v", err)
				}
			}()
		}

		go printEvents(n)

		fmt.Printf("\n  meshd — offline-first mesh messaging\n\n")
		fmt.Printf("  Device    : %s (node id %d)\n", deviceID, n.NodeID())
		fmt.Printf("  Listening : %s\n", listen)
		if peer != "" {
			fmt.Printf("  Peer      : %s\n", peer)
		}
		if longMgr != nil {
			fmt.Printf("  Long-range: listen=%s peer=%s\n", longListen, longPeer)
		}
		if coord != nil {
			fmt.Printf("  Gateway   : s3://%s (sync every %s)\n", env.S3Bucket, env.SyncInterval)
		}
		fmt.Printf("  Data      : %s\n", dataDir)
		if metricsAddr != "" {
			fmt.Printf("  Metrics   : http://%s/metrics\n", metricsAddr)
		}
		fmt.Printf("\n  Console commands:\n")
		fmt.Printf("    send <device|*> <message>   — send a text message\n")
		fmt.Printf("    sos <message>               — send an emergency broadcast\n")
		fmt.Printf("    loc <lat> <lon>             — broadcast your position\n")
		fmt.Printf("    status                      — radio, queue and gateway state\n\n")

		fmt.Print("> ")
		go console(n, shortMgr, coord)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down. Queued messages are kept for next start.")
		return nil
	},
}

func printEvents(n *node.Node) {
	for ev := range n.Events() {
		switch ev.Kind {
		case node.EventMessageReceived:
			m := ev.Message
			tag := ""
			if m.Type == message.Emergency {
				tag = " [EMERGENCY]"
			}
			fmt.Printf("\n<%s>%s %s\n> ", m.SenderName, tag, m.Content)
		case node.EventMessageDelivered:
			fmt.Printf("\n✓ delivered %s\n> ", ev.MessageID)
		case node.EventMessageFailed:
			fmt.Printf("\n✗ gave up on %s (retry budget exhausted)\n> ", ev.MessageID)
		case node.EventPeerDiscovered:
			log.Printf("meshd: %s peer discovered: %s", ev.Transport, ev.Peer)
		case node.EventConnectionStateChanged:
			log.Printf("meshd: %s radio: %s", ev.Transport, ev.State)
		case node.EventLocationUpdated:
			log.Printf("meshd: position of %s: %.5f, %.5f", ev.NodeID, ev.Lat, ev.Lon)
		case node.EventGatewayStatusChanged:
			if ev.Gateway.IsGateway {
				log.Printf("meshd: acting as gateway via %s (last sync %s)",
					ev.Gateway.Reachability, ev.Gateway.LastSyncAt.Format(time.RFC3339))
			} else {
				log.Printf("meshd: not a gateway (reachability %s)", ev.Gateway.Reachability)
			}
		case node.EventConflictDetected:
			for _, c := range ev.Conflicts {
				log.Printf("meshd: claim conflict on %s: kept %s, rolled back %s",
					c.Resource, c.Winner.Holder, c.Loser.Holder)
			}
		case node.EventDecodeError:
			log.Printf("meshd: dropped malformed packet on %s: %v", ev.Transport, ev.Err)
		}
	}
}

func console(n *node.Node, shortMgr *radio.Manager, coord *gateway.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <device|*> <message>")
			} else {
				id, err := n.Send(parts[2], message.Text, parts[1])
				if err != nil {
					fmt.Printf("error: %v\n", err)
				} else {
					fmt.Printf("✓ queued %s\n", id)
				}
			}
		case "sos":
			if len(parts) < 2 {
				fmt.Println("usage: sos <message>")
			} else {
				id, err := n.Send(strings.Join(parts[1:], " "), message.Emergency, message.BroadcastRecipient)
				if err != nil {
					fmt.Printf("error: %v\n", err)
				} else {
					fmt.Printf("✓ emergency queued %s\n", id)
				}
			}
		case "loc":
			if len(parts) < 3 {
				fmt.Println("usage: loc <lat> <lon>")
			} else {
				lat, err1 := strconv.ParseFloat(parts[1], 64)
				lon, err2 := strconv.ParseFloat(parts[2], 64)
				if err1 != nil || err2 != nil {
					fmt.Println("usage: loc <lat> <lon>")
				} else if id, err := n.SendLocation(lat, lon); err != nil {
					fmt.Printf("error: %v\n", err)
				} else {
					fmt.Printf("✓ position queued %s\n", id)
				}
			}
		case "status":
			fmt.Printf("radio   : %s\n", shortMgr.State())
			printQueueSummary(n.Queue())
			if coord != nil {
				st := coord.Status()
				fmt.Printf("gateway : promoted=%v reachability=%s lastSync=%s\n",
					st.IsGateway, st.Reachability, st.LastSyncAt.Format(time.RFC3339))
			}
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func printQueueSummary(q *retry.Queue) {
	recs, err := q.All()
	if err != nil {
		fmt.Printf("queue   : error: %v\n", err)
		return
	}
	counts := map[retry.RecordState]int{}
	for _, r := range recs {
		counts[r.State]++
	}
	fmt.Printf("queue   : pending=%d sending=%d sent=%d delivered=%d failed=%d\n",
		counts[retry.StatePending], counts[retry.StateSending], counts[retry.StateSent],
		counts[retry.StateDelivered], counts[retry.StateFailed])
}

// ─── queue ───────────────────────────────────────────────────────────────────

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persistent retry queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		db, err := bolt.Open(filepath.Join(dataDir, "mesh.db"), 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("open database (is the daemon running?): %w", err)
		}
		defer db.Close()

		q, err := retry.Open(db, nil)
		if err != nil {
			return err
		}
		recs, err := q.All()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, r := range recs {
			owed := strings.Join(r.Transports, ",")
			if owed == "" {
				owed = "-"
			}
			fmt.Printf("%-38s %-10s attempts=%-2d owed=%-25s next=%s\n",
				r.MessageID, r.State, r.Attempts, owed, r.NextAttemptAt.Format(time.RFC3339))
		}
		return nil
	},
}

// ─── id ──────────────────────────────────────────────────────────────────────

var idCmd = &cobra.Command{
	Use:   "id <device>",
	Short: "Print the numeric wire address for a device id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%s → %d\n", args[0], node.IDFor(args[0]))
		return nil
	},
}

func init() {
	dd := defaultDataDir()

	for _, cmd := range []*cobra.Command{daemonCmd, queueCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.meshd)")
	}

	daemonCmd.Flags().String("device", "", "Device id (default: hostname)")
	daemonCmd.Flags().String("name", "", "Display name (default: device id)")
	daemonCmd.Flags().String("listen", "0.0.0.0:7420", "Short-range link listen address")
	daemonCmd.Flags().String("peer", "", "Short-range peer address to dial (host:port)")
	daemonCmd.Flags().String("long-listen", "", "Long-range link listen address")
	daemonCmd.Flags().String("long-peer", "", "Long-range peer address to dial")
	daemonCmd.Flags().String("metrics", "127.0.0.1:9464", "Prometheus metrics address (empty = off)")

	rootCmd.AddCommand(daemonCmd, queueCmd, idCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
