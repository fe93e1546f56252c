package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baton-sh/conductor/pkg/agent"
	"github.com/baton-sh/conductor/pkg/api"
	"github.com/baton-sh/conductor/pkg/config"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/manager"
	"github.com/baton-sh/conductor/pkg/resources"
	"github.com/baton-sh/conductor/pkg/runtime"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - fleet control plane and node agent",
	Long: `Conductor is a fleet control plane that tracks which compute nodes
are alive, routes container-lifecycle commands to them, and keeps a
consistent liveness view across restarts and dropped connections.

The same binary runs the control plane (server) and the node agent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conductor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Logger.Level),
		JSONOutput: cfg.Logger.JSON,
	})
	return cfg, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: the worker registry with its liveness
sweep, the agent channel endpoint, and the operator API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.Server.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.Server.DataDir = v
		}

		mgr, err := manager.NewManager(&cfg.Server)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		mgr.Start()

		apiServer := api.NewServer(mgr, cfg.Server.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Logger.Error().Err(err).Msg("api server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Logger.Error().Err(err).Msg("api shutdown failed")
		}
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a node agent",
	Long: `Run a node agent: register with the control plane, heartbeat,
and execute deployment instructions against containerd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("server-url"); v != "" {
			cfg.Agent.ServerURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.Agent.Token = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.Agent.DataDir = v
		}
		if cfg.Agent.Token == "" {
			return fmt.Errorf("agent requires a registration token")
		}

		rt, err := runtime.NewContainerdRuntime(cfg.Agent.ContainerdSocket)
		if err != nil {
			return fmt.Errorf("failed to create runtime: %w", err)
		}
		defer rt.Close()

		producer := resources.NewNodeProducer(cfg.Agent.DataDir)
		a := agent.New(&cfg.Agent, rt, producer)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage registration tokens",
}

var tokenRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Mint a new registration token, invalidating the previous one",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, err := manager.NewManager(&cfg.Server)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Shutdown()

		ttl, _ := cmd.Flags().GetInt("ttl")
		token, err := mgr.Tokens().Regenerate(time.Duration(ttl) * time.Second)
		if err != nil {
			return fmt.Errorf("failed to regenerate token: %w", err)
		}

		fmt.Printf("Token: %s\n", token.Value)
		if token.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Println("Expires: never")
		}
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registration tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, err := manager.NewManager(&cfg.Server)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Shutdown()

		tokens, err := mgr.Tokens().List()
		if err != nil {
			return fmt.Errorf("failed to list tokens: %w", err)
		}

		for _, t := range tokens {
			state := "inactive"
			if t.Active {
				state = "active"
			}
			expiry := "never"
			if t.ExpiresAt != nil {
				expiry = t.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %s  created=%s  expires=%s\n",
				t.Value, state, t.CreatedAt.Format(time.RFC3339), expiry)
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().String("listen", "", "listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "data directory (overrides config)")

	agentCmd.Flags().String("server-url", "", "control-plane channel URL (overrides config)")
	agentCmd.Flags().String("token", "", "registration token (overrides config)")
	agentCmd.Flags().String("data-dir", "", "data directory (overrides config)")

	tokenRegenerateCmd.Flags().Int("ttl", 0, "token lifetime in seconds (0 = no expiry)")
	tokenCmd.AddCommand(tokenRegenerateCmd)
	tokenCmd.AddCommand(tokenListCmd)
}
