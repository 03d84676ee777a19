package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rahul/relay/internal/agent"
	"github.com/rahul/relay/internal/gateway"
	"github.com/rahul/relay/internal/observability"
)

func newServeCommand(configPath *string) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue scheduler, chat gateways and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (overrides config)")
	return cmd
}

func serve(parent context.Context, configPath, metricsAddr string) error {
	dashboard := observability.IsTerminal()
	if dashboard {
		observability.PrintBanner()
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
	}

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter(os.Stderr))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, observability.NewTermWriter(os.Stdout))
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner()
	if err != nil {
		return err
	}

	if n, err := a.db.RequeueRunning(ctx); err != nil {
		log.Printf("Warning: could not requeue interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("Requeued %d interrupted run(s)", n)
	}

	if metricsAddr == "" && a.cfg.Metrics.Enabled {
		metricsAddr = a.cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("Metrics listening on %s/metrics", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	conversations := gateway.NewConversations(runner, a.db, a.status)
	router := &gateway.Router{Routes: map[string]gateway.Messenger{}}
	var gateways []gateway.Messenger

	if tgCfg, ok := a.cfg.GetGatewayConfig("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, gateway.Prefixed("telegram", conversations))
		if err != nil {
			return err
		}
		router.Routes["telegram"] = tg
		gateways = append(gateways, tg)
	}
	if dcCfg, ok := a.cfg.GetGatewayConfig("discord"); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, gateway.Prefixed("discord", conversations))
		if err != nil {
			return err
		}
		router.Routes["discord"] = dc
		gateways = append(gateways, dc)
	}
	if len(gateways) == 0 {
		log.Println("No chat gateway enabled; serving the run queue only")
	}

	// Start Background Scheduler with a cancelable context
	scheduler := agent.NewScheduler(runner, a.db, router)
	if a.cfg.Orchestrator.QueueInterval > 0 {
		scheduler.Interval = a.cfg.Orchestrator.QueueInterval
	}
	go scheduler.Start(ctx)

	if dashboard {
		// Start Live Status Dashboard (1-second updates)
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			frame := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					frame++
					observability.PrintLiveStatus(a.status, frame)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.status.Heartbeat()
				a.logger.LogHeartbeat()
			}
		}
	}()

	// Start Gateways in goroutines so we can wait for context in the main loop
	for _, g := range gateways {
		go func() {
			if err := g.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop() // stop caller if gateway dies
			}
		}()
	}

	// Wait for shutdown signal
	<-ctx.Done()
	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Warning: gateway stop: %v", err)
		}
	}

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] RELAY SHUT DOWN. GOODBYE.\033[0m")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
