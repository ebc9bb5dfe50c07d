package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusscm/rm/pkg/api"
	"github.com/nimbusscm/rm/pkg/config"
	"github.com/nimbusscm/rm/pkg/events"
	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/move"
	"github.com/nimbusscm/rm/pkg/replication"
	"github.com/nimbusscm/rm/pkg/scm/scmtest"
	"github.com/nimbusscm/rm/pkg/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scmrm",
	Short: "Storage Container Manager replication manager",
	Long: `scmrm drives every replicated storage container toward its desired
replication state: closing containers, creating and deleting replicas,
force-closing divergent replicas, and migrating replicas between
datanodes.

This binary runs the control loop in isolation. Production adapters to
a real container-metadata store, node manager, placement policy, and
SCM consensus group are external collaborators out of scope for this
module; "serve" stands those collaborators up as in-memory fakes so the
loop, the move scheduler's Raft group, and the operational endpoints
can be exercised end to end.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scmrm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	config.BindFlags(serveCmd)
	serveCmd.Flags().String("node-id", "scmrm-0", "Move scheduler Raft node ID")
	serveCmd.Flags().String("raft-bind-addr", "127.0.0.1:17100", "Move scheduler Raft bind address")
	serveCmd.Flags().String("http-addr", ":8081", "Health/metrics HTTP listen address")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication manager control loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd.scmrm")

	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	moveStore, err := storage.NewBoltMoveStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open move store: %w", err)
	}

	sched, err := move.NewRaftScheduler(move.RaftConfig{
		NodeID:   nodeID,
		BindAddr: raftBindAddr,
		DataDir:  cfg.DataDir,
	}, moveStore)
	if err != nil {
		metrics.RegisterComponent("raft", false, err.Error())
		return fmt.Errorf("failed to start move scheduler: %w", err)
	}
	metrics.RegisterComponent("raft", true, "")
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("failed to shut down move scheduler")
		}
	}()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	bus := replication.NewBus(broker)

	// Drain dispatched commands into the log so a standalone run shows
	// what the loop decided; a real SCM would deliver these to datanodes.
	cmdSub := broker.Subscribe()
	go func() {
		for ev := range cmdSub {
			logger.Debug().Str("topic", string(ev.Type)).Str("payload", ev.Metadata["payload"]).Msg("command dispatched")
		}
	}()

	containers := scmtest.NewContainerManager()
	nodes := scmtest.NewNodeManager()
	placement := scmtest.NewPlacementPolicy(nil)
	sctx := scmtest.NewSCMContext()
	sctx.SetLeader(true)
	sctx.SetTerm(1)
	sctx.SetLeaderReady(true)
	sctx.SetContainerTokenGenerator(replication.NewContainerTokenGenerator())
	metrics.RegisterComponent("containermanager", true, "")
	metrics.SetVersion(Version)

	mgr := replication.New(cfg, containers, nodes, placement, bus, sctx, sched)

	collector := metrics.NewCollector(containers, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	healthServer := api.NewHealthServer(mgr)
	go func() {
		if err := healthServer.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server stopped unexpectedly")
		}
	}()

	mgr.Start()
	logger.Info().
		Str("node_id", nodeID).
		Str("http_addr", httpAddr).
		Dur("thread_interval", cfg.ThreadInterval).
		Msg("replication manager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down replication manager")
	mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("health server shutdown error")
	}

	return nil
}
