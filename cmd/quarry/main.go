package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-sh/quarry/pkg/api"
	"github.com/quarry-sh/quarry/pkg/client"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/manager"
	"github.com/quarry-sh/quarry/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "quarry",
	Short: "Quarry - dynamic volume provisioning controller",
	Long: `Quarry is a volume provisioning and snapshot lifecycle controller.
It binds capacity claims to volumes, arbitrates node attachments, and
manages snapshots and clones, with cluster state replicated over Raft.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("manager", "127.0.0.1:7441", "Controller API address")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(classCmd)
	rootCmd.AddCommand(eventsCmd)
}

// apiClient builds a client for the --manager address.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("manager")
	return client.New(addr)
}

// Controller commands

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run a controller node",
}

var controllerInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new quarry cluster",
	Long: `Initialize a new quarry cluster with this node as the first controller.

The controller starts in single-node mode and forms a Raft quorum once
additional controllers join.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController(cmd, true)
	},
}

var controllerJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this controller to an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")
		if leader == "" || token == "" {
			return fmt.Errorf("--leader and --token are required")
		}
		return runController(cmd, false)
	},
}

func init() {
	controllerCmd.AddCommand(controllerInitCmd)
	controllerCmd.AddCommand(controllerJoinCmd)

	for _, c := range []*cobra.Command{controllerInitCmd, controllerJoinCmd} {
		c.Flags().String("node-id", "controller-1", "Unique node ID")
		c.Flags().String("bind-addr", "127.0.0.1:7440", "Address for Raft communication")
		c.Flags().String("api-addr", "127.0.0.1:7441", "Address for the HTTP API")
		c.Flags().String("data-dir", "./quarry-data", "Data directory for cluster state")
		c.Flags().String("volume-root", "", "Root directory for the local volume backend")
		c.Flags().String("classes", "", "YAML storage class file applied on startup")
		c.Flags().String("socket", "", "Optional Unix socket for the read-only local API")
		c.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
		c.Flags().Bool("log-json", false, "Emit JSON logs")
	}

	controllerJoinCmd.Flags().String("leader", "", "API address of the current leader")
	controllerJoinCmd.Flags().String("token", "", "Join token minted on the leader")
}

func runController(cmd *cobra.Command, bootstrap bool) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	volumeRoot, _ := cmd.Flags().GetString("volume-root")
	classFile, _ := cmd.Flags().GetString("classes")
	socket, _ := cmd.Flags().GetString("socket")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)

	fmt.Println("Starting quarry controller...")
	fmt.Printf("  Node ID: %s\n", nodeID)
	fmt.Printf("  Raft Address: %s\n", bindAddr)
	fmt.Printf("  API Address: %s\n", apiAddr)
	fmt.Printf("  Data Directory: %s\n", dataDir)
	fmt.Println()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		DataDir:    dataDir,
		VolumeRoot: volumeRoot,
		ClassFile:  classFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %v", err)
	}

	if bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
		fmt.Println("✓ Cluster initialized")
	} else {
		leader, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")
		if err := mgr.Join(leader, token); err != nil {
			return fmt.Errorf("failed to join cluster: %v", err)
		}
		fmt.Println("✓ Joined cluster")
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %v", err)
	}
	fmt.Println("✓ Reconciler started")

	apiServer := api.NewServer(mgr)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	if socket != "" {
		go func() {
			if err := apiServer.StartUnix(socket); err != nil {
				errCh <- fmt.Errorf("socket server error: %v", err)
			}
		}()
	}

	fmt.Println()
	fmt.Println("Controller is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	apiServer.Stop()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and manage the controller cluster",
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show Raft membership and state",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient(cmd).ClusterInfo(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Leader: %s\n", info.Leader)
		fmt.Println("Servers:")
		for _, srv := range info.Servers {
			fmt.Printf("  %s  %s\n", srv.ID, srv.Address)
		}
		if state, ok := info.Stats["state"]; ok {
			fmt.Printf("State: %v\n", state)
		}
		return nil
	},
}

var clusterTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Generate a join token for a new controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := apiClient(cmd).GenerateJoinToken(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Join token (expires %s):\n\n  %s\n\n", token.ExpiresAt.Format("15:04:05"), token.Token)
		fmt.Println("Run on the new controller:")
		fmt.Printf("  quarry controller join --leader <api-addr> --token %s\n", token.Token)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterInfoCmd)
	clusterCmd.AddCommand(clusterTokenCmd)
}
