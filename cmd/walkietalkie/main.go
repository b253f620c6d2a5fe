// Command walkietalkie is a push-to-talk SIP phone for the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/walkie_talkie/internal/log"
	"github.com/arzzra/walkie_talkie/pkg/config"
	"github.com/arzzra/walkie_talkie/pkg/phone"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "walkietalkie",
		Usage: "push-to-talk SIP phone",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "yaml config file",
				Sources: cli.EnvVars("WALKIE_TALKIE_CONFIG"),
			},
			&cli.StringFlag{Name: "username", Usage: "SIP user", Sources: cli.EnvVars("WALKIE_TALKIE_USERNAME")},
			&cli.StringFlag{Name: "domain", Usage: "SIP domain", Sources: cli.EnvVars("WALKIE_TALKIE_DOMAIN")},
			&cli.StringFlag{Name: "password", Usage: "SIP password", Sources: cli.EnvVars("WALKIE_TALKIE_PASSWORD")},
			&cli.StringFlag{Name: "display-name", Usage: "display name in From", Sources: cli.EnvVars("WALKIE_TALKIE_DISPLAY_NAME")},
			&cli.StringFlag{Name: "target", Usage: "default user or URI to call", Sources: cli.EnvVars("WALKIE_TALKIE_TARGET")},
			&cli.StringFlag{Name: "registrar", Usage: "registrar host:port, DNS SRV when empty", Sources: cli.EnvVars("WALKIE_TALKIE_REGISTRAR")},
			&cli.StringFlag{Name: "network", Usage: "udp, tcp or tls", Sources: cli.EnvVars("WALKIE_TALKIE_NETWORK")},
			&cli.StringFlag{Name: "listen", Usage: "local host:port", Sources: cli.EnvVars("WALKIE_TALKIE_LISTEN")},
			&cli.StringFlag{Name: "advertise", Usage: "host:port for Via and Contact", Sources: cli.EnvVars("WALKIE_TALKIE_ADVERTISE")},
			&cli.BoolFlag{Name: "auto-answer", Usage: "answer incoming calls on ring", Sources: cli.EnvVars("WALKIE_TALKIE_AUTO_ANSWER")},
			&cli.BoolFlag{Name: "push-to-talk", Usage: "start calls muted", Sources: cli.EnvVars("WALKIE_TALKIE_PUSH_TO_TALK")},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Sources: cli.EnvVars("WALKIE_TALKIE_LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Usage: "console, dev, json or text", Sources: cli.EnvVars("WALKIE_TALKIE_LOG_FORMAT")},
			&cli.StringFlag{Name: "metrics-listen", Usage: "address of /metrics, disabled when empty", Sources: cli.EnvVars("WALKIE_TALKIE_METRICS_LISTEN")},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	conf := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	overrides := map[string]*string{
		"username":       &conf.Profile.Username,
		"domain":         &conf.Profile.Domain,
		"password":       &conf.Profile.Password,
		"display-name":   &conf.Profile.DisplayName,
		"target":         &conf.Target,
		"registrar":      &conf.Registrar,
		"network":        &conf.Transport.Network,
		"listen":         &conf.Transport.Listen,
		"advertise":      &conf.Transport.Advertise,
		"log-level":      &conf.Log.Level,
		"log-format":     &conf.Log.Format,
		"metrics-listen": &conf.Metrics.Listen,
	}
	for name, dst := range overrides {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("auto-answer") {
		conf.Call.AutoAnswer = c.Bool("auto-answer")
	}
	if c.IsSet("push-to-talk") {
		conf.Call.PushToTalk = c.Bool("push-to-talk")
	}
	return conf, conf.Validate()
}

func run(ctx context.Context, c *cli.Command) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	logger, err := log.New(os.Stderr, level, conf.Log.Format)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := phone.New(ctx, conf, phone.WithLogger(logger), phone.WithRegisterer(reg))
	if err != nil {
		return err
	}
	logger.Info("phone started",
		slog.String("local", fmt.Sprintf("%s:%d", p.Local().Host, p.Local().Port)),
		slog.String("network", p.Local().Network))

	ui := newConsole(p, os.Stdout, conf.Call.AutoAnswer, logger)
	p.OnRegistration(ui.onRegistration)
	p.OnCall(ui.onCall)

	// Run outlives ctx: sockets stay open until Close has unregistered.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error {
		return p.Run(gctx)
	})

	var srv *http.Server
	if conf.Metrics.Listen != "" {
		srv = &http.Server{
			Addr:              conf.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := p.Close(closeCtx)
		if srv != nil {
			err = errors.Join(err, srv.Shutdown(closeCtx))
		}
		return err
	})

	if conf.Profile.Username != "" || conf.Profile.Domain != "" {
		if _, err := p.Login(ctx, conf.Profile); err != nil {
			ui.printf(statusFailed)
			logger.Warn("login failed", slog.Any("error", err))
		}
	} else {
		ui.printf("not logged in, use: login <user> <domain> <password>")
	}

	go func() {
		ui.run(ctx, os.Stdin)
		stop()
	}()

	return g.Wait()
}
