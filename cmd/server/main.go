package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/christopherjohns/relaydrop/internal/config"
	"github.com/christopherjohns/relaydrop/internal/server"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "relaydrop",
		Short:         "Relay chat and files between devices that share a session code",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables override it)")
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	v.BindPFlag(config.PortKey, cmd.Flags().Lookup("port"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	var opts []server.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
		opts = append(opts, server.WithRedis(rdb))
	}

	srv := server.New(cfg, opts...)
	log.Printf("Starting relaydrop server on %s", cfg.Addr())
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("Server stopped")
	return nil
}
