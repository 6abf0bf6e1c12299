package main

import (
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hixio-mh/kiwibnc"
	"github.com/hixio-mh/kiwibnc/config"
)

func main() {
	var listen stringSliceFlag
	flag.Var(&listen, "listen", "listening address (repeatable)")
	configPath := flag.String("config", "", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}
	cfg.Listen = append(cfg.Listen, listen...)
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{":6667"}
	}
	if *debug {
		cfg.Debug = true
	}

	if !strings.Contains(cfg.Hostname, ".") {
		log.Printf("warning: hostname %q is not a fully qualified domain name", cfg.Hostname)
	}

	if err := bumpOpenedFileLimit(); err != nil {
		log.Printf("failed to bump max number of opened files: %v", err)
	}

	srv, err := kiwibnc.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}

	var tlsCfg *tls.Config
	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("failed to load TLS certificate and key: %v", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if err := srv.RegisterMetrics(cfg.MetricsListen); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Print("shutting down")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServeAll(tlsCfg); err != nil {
		log.Fatal(err)
	}

	if err := srv.Close(); err != nil {
		log.Fatal(err)
	}
}

type stringSliceFlag []string

func (v *stringSliceFlag) String() string { return strings.Join(*v, ",") }

func (v *stringSliceFlag) Set(s string) error {
	*v = append(*v, s)
	return nil
}
