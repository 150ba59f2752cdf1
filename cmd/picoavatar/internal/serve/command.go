package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoavatar/cmd/picoavatar/internal"
	"github.com/sipeed/picoavatar/pkg/gateway"
	"github.com/sipeed/picoavatar/pkg/logger"
)

func NewServeCommand() *cobra.Command {
	var (
		debug bool
		keep  bool
		host  string
		port  int
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the HTTP and WebSocket gateway",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveCmd(cmd.Context(), options{debug: debug, keep: keep, host: host, port: port})
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&keep, "keep-artifacts", false, "Keep per-request audio files on disk")
	cmd.Flags().StringVar(&host, "host", "", "Override gateway.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override gateway.port")

	return cmd
}

type options struct {
	debug bool
	keep  bool
	host  string
	port  int
}

func serveCmd(parent context.Context, opts options) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
	}
	if opts.host != "" {
		cfg.Gateway.Host = opts.host
	}
	if opts.port > 0 {
		cfg.Gateway.Port = opts.port
	}

	rt, err := internal.BuildRuntime(cfg, internal.RuntimeOptions{KeepArtifacts: opts.keep})
	if err != nil {
		return err
	}
	defer rt.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr, _ := cfg.Gateway.ResolvedAddr()
	fmt.Printf("%s Gateway listening on http://%s\n", internal.Logo, addr)
	fmt.Println("Press Ctrl+C to stop")

	server := gateway.NewServer(cfg.Gateway, rt.Service, rt.Voices)
	server.SetThrottle(rt.Limiter)
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.InfoC("gateway", "Gateway stopped")
	return nil
}
