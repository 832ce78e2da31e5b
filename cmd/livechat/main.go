package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"supportdesk/server/chat/app"
	commonlog "supportdesk/server/common/log"
)

var (
	port            string
	shutdownTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "livechat",
	Short: "Live-chat gateway for the job board",
	Long: `livechat serves the chat REST API and the /ws realtime endpoint.

Backends are optional and chosen from the environment: POSTGRES_DSN, REDIS_ADDR,
CHAT_USE_MQ with LAVINMQ_URL, and MINIO_* for transcript archiving.`,
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	rootCmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for open requests on shutdown")
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg := app.LoadConfig()
	if port != "" {
		cfg.Port = port
	}
	commonlog.Infof("event=livechat_server action=init %s", cfg.Summary())

	server, err := app.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		commonlog.Infof("event=livechat_server action=listen status=ok addr=%s", server.HTTPServer.Addr)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		commonlog.Infof("event=livechat_server action=shutdown status=started timeout=%s", shutdownTimeout)
	case err := <-serveErr:
		if err != nil {
			_ = server.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("event=livechat_server action=shutdown status=failed error=%v", err)
		return err
	}
	commonlog.Infof("event=livechat_server action=shutdown status=ok")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commonlog.Exceptionf("event=livechat_server action=run status=failed error=%v", err)
		os.Exit(1)
	}
}
