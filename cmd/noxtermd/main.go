// Command noxtermd runs the noxterm daemon: the HTTP/WebSocket front end
// that provisions containers and bridges terminal sessions to browsers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noxterm/noxterm/internal/admin"
	"github.com/noxterm/noxterm/internal/config"
	"github.com/noxterm/noxterm/internal/container"
	"github.com/noxterm/noxterm/internal/logger"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/proxy"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
	"github.com/noxterm/noxterm/internal/transport"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "noxtermd",
		Short: "browser-accessible terminal broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := config.WatchOverride(configPath, cfg, func() {
				logger.Info("config override applied")
			}); err != nil {
				logger.Warn("config watch disabled", "err", err)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			adapter, err := container.NewDockerAdapter(cfg.DockerHost, container.SecurityTier(cfg.SecurityTier))
			if err != nil {
				return fmt.Errorf("docker adapter: %w", err)
			}

			egress := proxy.NewSupervisor(cfg.AnyoneSocksBin, uint16(cfg.AnyoneSocksPort), nil, func(reason string) {
				logger.Warn("anonymizing egress disabled", "reason", reason)
				payload, _ := json.Marshal(map[string]string{"reason": reason})
				if err := st.AppendAudit(model.AuditEvent{Kind: model.AuditPrivacyDisable, Payload: string(payload), CreatedAt: time.Now()}); err != nil {
					logger.Warn("audit write failed", "err", err)
				}
			})

			mgr := session.NewManager(st, adapter, cfg.SessionIdleTTL, func() uint16 {
				if egress.Status().Enabled {
					return egress.Port()
				}
				return 0
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mgr.Reconcile(ctx); err != nil {
				logger.Warn("startup reconcile failed", "err", err)
			}
			go mgr.Sweep(ctx)

			ep := transport.New(st, mgr, adapter)
			as := admin.New(st, mgr, egress, cfg.ImageAllowlist, admin.NewRateLimiter(5, 20))

			mux := http.NewServeMux()
			ep.Register(mux)
			as.Register(mux)

			addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("noxtermd listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to YAML config override")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
