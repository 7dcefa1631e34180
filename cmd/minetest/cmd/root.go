package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/minetest/internal/config"
	"github.com/cory-johannsen/minetest/internal/gameloop"
	"github.com/cory-johannsen/minetest/internal/observability"
	"github.com/cory-johannsen/minetest/internal/scripting"
	"github.com/cory-johannsen/minetest/internal/server"
	"github.com/cory-johannsen/minetest/internal/session"
	"github.com/cory-johannsen/minetest/internal/transport"
)

var (
	Root = &cobra.Command{
		Use:          "minetest",
		Short:        "Voxel game engine core: run a server or connect a client",
		RunE:         startRoot,
		SilenceUsage: true,
	}
	rootFlags = struct {
		Config         string
		ShutdownServer bool
	}{}
)

func init() {
	Root.Flags().Bool("server", false, "run as the server instead of a client")
	Root.Flags().String("address", "127.0.0.1", "the address to bind (server) or connect to (client)")
	Root.Flags().Int("port", 30001, "the UDP port to bind (server) or connect to (client)")
	Root.Flags().String("game", "minetest", "the game whose scripts are loaded")
	Root.Flags().String("name", "singleplayer", "the player name reported by a client")
	Root.Flags().String("log-level", "info", "the log level to use")
	Root.Flags().StringVar(&rootFlags.Config, "config", "", "the YAML configuration file to load")
	Root.Flags().BoolVar(&rootFlags.ShutdownServer, "shutdown-server", false, "client: ask the server to shut down once connected")
}

func startRoot(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if rootFlags.Config != "" {
		v.SetConfigFile(rootFlags.Config)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	cfg, err := config.LoadFromViper(v)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := Run(ctx, cfg, rootFlags.ShutdownServer, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		return err
	}
	logger.Info("Bye!")
	return nil
}

// Run builds the endpoint, session, hooks and game loop for cfg and blocks
// until the loop ends.
//
// Precondition: cfg must be valid; logger must be non-nil.
// Postcondition: The endpoint is closed when Run returns. Returns nil on a
// clean shutdown, an error wrapping transport.ErrTransportUnavailable when the
// endpoint cannot be opened, or the session error that ended the loop.
func Run(ctx context.Context, cfg config.Config, shutdownServer bool, logger *zap.Logger) error {
	pacing, err := gameloop.ParsePacing(cfg.Loop.Pacing)
	if err != nil {
		return err
	}
	opts := transport.UDPOptions{
		QueueLimit: cfg.Transport.QueueLimit,
		ReadBuffer: cfg.Transport.ReadBuffer,
	}

	var (
		ep   *transport.UDPEndpoint
		sess gameloop.Session
		role gameloop.Role
		rate float64
	)
	if cfg.Server.Server {
		policy, err := session.NewPolicy(cfg.Auth)
		if err != nil {
			return err
		}
		ep, err = transport.Listen(cfg.Server.Addr(), opts, logger)
		if err != nil {
			return err
		}
		logger.Info("starting server",
			zap.Stringer("addr", ep.LocalAddr()),
			zap.String("game", cfg.Server.Game),
			zap.String("shutdown_policy", cfg.Auth.ShutdownPolicy),
		)
		sess = session.NewServer(ep, policy, logger)
		role, rate = gameloop.RoleServer, cfg.Loop.TickRate
	} else {
		remote, err := transport.ResolveAddr(cfg.Server.Address, cfg.Server.Port)
		if err != nil {
			return err
		}
		ep, err = transport.ListenFor(remote, opts, logger)
		if err != nil {
			return err
		}
		logger.Info("starting client",
			zap.String("name", cfg.Server.ClientName),
			zap.Stringer("server", remote),
			zap.Stringer("local", ep.LocalAddr()),
		)
		client := session.NewClient(ep, remote, session.ClientOptions{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			PingInterval:     cfg.Session.PingInterval,
			PingTimeout:      cfg.Session.PingTimeout,
		}, logger.With(zap.String("name", cfg.Server.ClientName)))
		if shutdownServer {
			client.RequestServerShutdown()
		}
		sess = client
		role, rate = gameloop.RoleClient, cfg.Loop.FrameRate
	}

	scripts := scripting.NewManager(cfg.Server.Game, logger)
	defer scripts.Close()
	var hooks []gameloop.Hook
	if cfg.Scripting.Dir != "" {
		if err := scripts.Load(cfg.Scripting.Dir, cfg.Scripting.InstructionLimit); err != nil {
			_ = ep.Close()
			return err
		}
		hooks = append(hooks, scripts)
	}

	sched, err := gameloop.New(role, rate, sess, gameloop.Options{
		Pacing:         pacing,
		ReportInterval: cfg.Loop.ReportInterval,
		Hooks:          hooks,
	}, logger)
	if err != nil {
		_ = ep.Close()
		return err
	}
	scripts.SetRate = sched.SetRate

	lc := server.NewLifecycle(logger)
	lc.Add("transport", endpointService(ep, logger))
	lc.Add("gameloop", &server.FuncService{
		StartFn: func() error { return sched.Run(ctx) },
		StopFn:  sched.Stop,
	})
	return lc.Run(ctx)
}

// endpointService keeps the endpoint open until the lifecycle stops it.
func endpointService(ep *transport.UDPEndpoint, logger *zap.Logger) server.Service {
	stopped := make(chan struct{})
	var once sync.Once
	return &server.FuncService{
		StartFn: func() error {
			<-stopped
			return nil
		},
		StopFn: func() {
			once.Do(func() {
				if err := ep.Close(); err != nil {
					logger.Warn("closing endpoint", zap.Error(err))
				}
				logger.Info("endpoint closed",
					zap.Stringer("addr", ep.LocalAddr()),
					zap.Uint64("dropped", ep.Dropped()),
				)
				close(stopped)
			})
		},
	}
}
