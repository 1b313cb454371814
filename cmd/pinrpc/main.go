package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/pinrpc"
	"github.com/glimte/pinrpc/config"
	"github.com/glimte/pinrpc/dispatch"
	"github.com/glimte/pinrpc/health"
	"github.com/glimte/pinrpc/internal/memamqp"
	"github.com/glimte/pinrpc/pin"
	"github.com/glimte/pinrpc/topic"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pinrpc",
		Short: "Pattern-addressed RPC over AMQP",
		Long: `pinrpc runs listeners and clients that exchange pattern-addressed
requests over a RabbitMQ topic exchange.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
	}

	// Global flags
	var (
		configPath string
		rabbitURL  string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON configuration file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides the configuration)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	setup := func() (config.Config, *slog.Logger, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		if rabbitURL != "" {
			cfg = config.Merge(cfg, config.WithURL(rabbitURL))
		}
		return cfg, logger, nil
	}

	// Listen command
	var (
		listenPins []string
		healthAddr string
	)
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve the demo role:create handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			pins, err := pin.ParseAll(listenPins...)
			if err != nil {
				return err
			}
			cfg = config.Merge(cfg, config.WithListenPins(pins...))

			router := dispatch.NewRouter(dispatch.WithRouterLogger(logger))
			if err := router.Add("role:create", createHandler); err != nil {
				return err
			}

			listener, err := pinrpc.NewListener(router, cfg, pinrpc.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := listener.Listen(cmd.Context()); err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			defer listener.Close()

			fmt.Printf("Listening on %s (topics: %v)\n", listener.Queue(), listener.Topics())

			if healthAddr != "" {
				registry := health.NewRegistry()
				registry.Register(health.NewActorChecker("listener", listener))
				registry.Register(health.NewRuntimeChecker(500, 1000))
				srv := serveHealth(healthAddr, registry, logger)
				defer srv.Close()
			}

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan
			return nil
		},
	}
	listenCmd.Flags().StringSliceVarP(&listenPins, "pin", "p", []string{"role:create"}, "Pins to listen on")
	listenCmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health reports on this address (e.g. :8081)")

	// Act command
	var (
		clientPins []string
		timeout    time.Duration
	)
	actCmd := &cobra.Command{
		Use:     "act <pattern>",
		Short:   "Send one call and print the reply",
		Example: `  pinrpc act 'role:create,max:100,min:25'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			call, err := pin.Parse(args[0])
			if err != nil {
				return err
			}
			pins, err := pin.ParseAll(clientPins...)
			if err != nil {
				return err
			}
			cfg = config.Merge(cfg, config.WithClientPins(pins...))

			router := dispatch.NewRouter(dispatch.WithRouterLogger(logger), dispatch.WithTimeout(timeout))
			client, err := pinrpc.NewClient(router, cfg, pinrpc.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := client.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start client: %w", err)
			}
			defer client.Close()

			result, err := router.Act(cmd.Context(), call.Map())
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	actCmd.Flags().StringSliceVarP(&clientPins, "pin", "p", []string{"role:create"}, "Pins routed through the broker")
	actCmd.Flags().DurationVarP(&timeout, "timeout", "t", dispatch.DefaultTimeout, "Reply timeout")

	// Topic command
	topicCmd := &cobra.Command{
		Use:   "topic <pin>...",
		Short: "Print the routing keys and queue names for pins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			pins, err := pin.ParseAll(args...)
			if err != nil {
				return err
			}
			printTopics(cfg, pins)
			return nil
		},
	}

	// Demo command
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a listener and a client against an in-process broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, logger)
		},
	}

	rootCmd.AddCommand(listenCmd, actCmd, topicCmd, demoCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// createHandler answers role:create with a random id between min and max.
func createHandler(_ context.Context, args map[string]any) (any, error) {
	lo, _ := args["min"].(float64)
	hi, _ := args["max"].(float64)
	if hi < lo {
		return nil, fmt.Errorf("max %v is below min %v", hi, lo)
	}
	return map[string]any{
		"pid": os.Getpid(),
		"id":  int(lo) + rand.IntN(int(hi-lo)+1),
	}, nil
}

func serveHealth(addr string, registry *health.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

func printTopics(cfg config.Config, pins []pin.Pattern) {
	fmt.Printf("%-40s %s\n", "Pin", "Routing Key")
	for _, p := range pins {
		fmt.Printf("%-40s %s\n", p.String(), topic.ResolveTopic(p, nil))
	}

	q := cfg.Listen.Queues
	fmt.Printf("\nListen queue: %s\n", topic.ResolveListenQueue(pins, topic.QueueOptions{
		Prefix:    q.Prefix,
		Separator: q.Separator,
		Canonical: q.Canonical,
	}))
	fmt.Printf("Client queue: %s\n", topic.ResolveClientQueue(topic.ClientQueueOptions{
		ID:        cfg.Client.Queues.ID,
		Prefix:    cfg.Client.Queues.Prefix,
		Separator: cfg.Client.Queues.Separator,
	}))
}

func runDemo(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	broker := memamqp.New()
	pins := pin.MustParse("role:create")
	cfg = config.Merge(cfg, config.WithListenPins(pins), config.WithClientPins(pins))

	server := dispatch.NewRouter(dispatch.WithRouterLogger(logger))
	if err := server.Add("role:create", createHandler); err != nil {
		return err
	}
	listener, err := pinrpc.NewListener(server, cfg, pinrpc.WithLogger(logger), pinrpc.WithDialer(broker.Dialer()))
	if err != nil {
		return err
	}
	if err := listener.Listen(ctx); err != nil {
		return err
	}
	defer listener.Close()

	caller := dispatch.NewRouter(dispatch.WithRouterLogger(logger))
	client, err := pinrpc.NewClient(caller, cfg, pinrpc.WithLogger(logger), pinrpc.WithDialer(broker.Dialer()))
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	result, err := caller.Act(ctx, map[string]any{"role": "create", "max": 100, "min": 25})
	if err != nil {
		return err
	}
	fmt.Println(string(result))

	registry := health.NewRegistry()
	registry.Register(health.NewActorChecker("listener", listener))
	registry.Register(health.NewActorChecker("client", client))
	report := registry.Check(ctx)
	for _, name := range registry.Names() {
		fmt.Printf("%-10s %s\n", name, report.Checks[name].Status)
	}
	return nil
}
