package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	listen := flag.String("listen", "", "listen address, overrides server.listen_address")
	transport := flag.String("transport", "", "websocket or quic, overrides server.transport")
	flag.Parse()

	if err := run(*configPath, *listen, *transport); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, listen, transport string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Server.ListenAddress = listen
	}
	if transport != "" {
		cfg.Server.Transport = transport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, cleanup, err := injector.InitializeApp(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
