package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"github.com/liliang-cn/hoptrace/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
)

var Version = "dev" // Set at build time

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:     "hoptrace-server",
		Short:   "hoptrace gRPC server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(v)
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("listen", "l", "", "Listen address (default: [server] listen, :50051)")
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().String("env-file", ".env", "Environment file loaded before flags are read")
	rootCmd.Flags().Bool("watch", true, "Reload the config file when it changes")

	// HOPTRACE_LISTEN, HOPTRACE_CONFIG, ...
	v.SetEnvPrefix("HOPTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(rootCmd.Flags())

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hoptrace-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hoptrace-server version %s\n", Version)
		},
	}
}

func runServer(v *viper.Viper) error {
	// .env 中的变量不会覆盖已有的环境变量
	if err := godotenv.Load(v.GetString("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	// 创建服务
	srv, err := server.NewServer(v.GetString("config"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	cfg := srv.Dispatch().GetInventory().GetConfig()
	srvLog := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		NoColor:    cfg.Log.NoColor,
		ShowTime:   true,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer srvLog.Close()
	srv.SetLogger(srvLog)

	addr := v.GetString("listen")
	if addr == "" {
		addr = cfg.Server.Listen
	}

	// 创建 gRPC 监听器
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := srv.GRPCServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if v.GetBool("watch") {
		if err := srv.Watch(ctx); err != nil {
			srvLog.Warn("config watch disabled: %v", err)
		}
	}

	// 启动服务器
	serveErr := make(chan error, 1)
	go func() {
		srvLog.Info("hoptrace-server listening on %s", lis.Addr())
		serveErr <- grpcServer.Serve(lis)
	}()

	// 等待中断信号
	select {
	case <-ctx.Done():
		srvLog.Info("Shutting down...")
	case err := <-serveErr:
		return fmt.Errorf("failed to serve: %w", err)
	}

	// 优雅关闭
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		srv.Shutdown()
		close(stopped)
	}()

	select {
	case <-stopped:
		srvLog.Info("Server stopped")
	case <-time.After(10 * time.Second):
		srvLog.Warn("Timeout, forcing stop")
		grpcServer.Stop()
	}

	return nil
}
