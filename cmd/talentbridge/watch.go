package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	talentbridge "github.com/talentbridge/talentbridge-go"
)

var (
	watchMetricsAddr string
	watchResync      time.Duration
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	watchCmd.Flags().DurationVar(&watchResync, "resync", 5*time.Minute, "Interval for resyncing the unread count with the server")
	rootCmd.AddCommand(watchCmd)
}

var errGaveUp = errors.New("realtime connection lost and reconnect attempts exhausted")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime notifications and the unread count",
	Long:  "Connect the realtime channel, join every conversation room and print new-message notifications until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		reg := prometheus.NewRegistry()
		s, err := openSession(reg)
		if err != nil {
			return err
		}
		defer s.close()

		if _, err := s.client.Session().Resume(ctx); err != nil {
			return err
		}

		notifier := s.client.NewNotifier(nil)
		notifier.OnNotify(func(m talentbridge.Message) {
			fmt.Printf("[%s] %s: %s\n", m.ConversationID, valueOrDefault(m.SenderName, m.SenderID), m.Text)
		})
		unsubscribe := notifier.Unread().Subscribe(func(n int) {
			fmt.Printf("unread: %d\n", n)
		})
		defer unsubscribe()

		if err := s.client.Messages.ResyncUnread(ctx, notifier.Unread()); err != nil {
			logger.Warn("initial unread resync failed", zap.Error(err))
		}

		rt, err := s.client.Realtime(ctx, nil, notifier)
		if err != nil {
			if errors.Is(err, talentbridge.ErrNoToken) {
				return fmt.Errorf("not signed in; run 'talentbridge login' first")
			}
			return err
		}

		gaveUp := make(chan struct{})
		var gaveUpOnce sync.Once
		rt.OnStateChange(func(st talentbridge.RealtimeState) {
			logger.Info("realtime state", zap.String("state", string(st)))
			// The manager only settles in disconnected on its own once the
			// reconnect budget is spent.
			if st == talentbridge.StateDisconnected && ctx.Err() == nil {
				gaveUpOnce.Do(func() { close(gaveUp) })
			}
		})

		if err := rt.Connect(ctx); err != nil {
			logger.Warn("initial connect failed; retrying in background", zap.Error(err))
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-gaveUp:
				return errGaveUp
			}
			return nil
		})

		g.Go(func() error {
			ticker := time.NewTicker(watchResync)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := s.client.Messages.ResyncUnread(gctx, notifier.Unread()); err != nil {
						if errors.Is(err, talentbridge.ErrSessionExpired) {
							return err
						}
						logger.Warn("unread resync failed", zap.Error(err))
					}
				}
			}
		})

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsMux(reg)}
			g.Go(func() error {
				logger.Info("serving metrics", zap.String("addr", watchMetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		err = g.Wait()
		if derr := rt.Disconnect(); derr != nil {
			logger.Debug("realtime disconnect", zap.Error(derr))
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
