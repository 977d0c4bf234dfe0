package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"lockstep"
	"lockstep/internal/net/discovery"
	"lockstep/internal/net/redisbus"
	"lockstep/internal/net/ws"
	"lockstep/internal/telemetry"
)

type options struct {
	configPath string
	relayURL   string
	session    string
	redisAddr  string
	browseFor  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML peer configuration")
	flag.StringVar(&opts.relayURL, "relay", "", "websocket relay base URL, e.g. ws://localhost:8080/ws")
	flag.StringVar(&opts.session, "session", "lobby", "session name")
	flag.StringVar(&opts.redisAddr, "redis", "", "use a Redis bus at this address instead of a relay")
	flag.DurationVar(&opts.browseFor, "browse", 2*time.Second, "mDNS browse time when no relay or redis address is given")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, opts options) error {
	logger := telemetry.WrapLogger(log.Default())

	cfg := lockstep.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := lockstep.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(logger)

	substrate, err := connect(ctx, opts, cfg, logger)
	if err != nil {
		return err
	}

	reg := lockstep.NewRegistry()
	reg.MustRegister("chat", func() lockstep.Module { return &chat{} })
	peer, err := lockstep.NewPeer(substrate, reg, cfg, lockstep.Deps{Logger: logger, Metrics: telemetry.NewCounters()})
	if err != nil {
		substrate.Close()
		return err
	}
	say, err := registerChat(peer.Scheduler(), func(l line) {
		fmt.Printf("[tick %d] peer %d: %s\n", l.Tick, l.Sender, l.Text)
	})
	if err != nil {
		substrate.Close()
		return err
	}

	go readInput(ctx, peer, say, logger)
	return peer.Run(ctx)
}

func connect(ctx context.Context, opts options, cfg lockstep.Config, logger telemetry.Logger) (lockstep.Substrate, error) {
	switch {
	case opts.redisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", opts.redisAddr, err)
		}
		bus, err := redisbus.Connect(ctx, rdb, redisbus.Config{Session: opts.session, MaxFrame: cfg.MaxFrame, Logger: logger})
		if err != nil {
			rdb.Close()
			return nil, err
		}
		return bus, nil
	case opts.relayURL != "":
		return ws.Dial(ctx, strings.TrimSuffix(opts.relayURL, "/")+"/"+opts.session, ws.ClientConfig{Logger: logger})
	}
	browseCtx, cancel := context.WithTimeout(ctx, opts.browseFor)
	defer cancel()
	relays, err := discovery.Browse(browseCtx)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, errors.New("no relay found over mDNS; pass -relay or -redis")
	}
	url := relays[0].URL(opts.session)
	logger.Printf("[peer] using relay %s at %s", relays[0].Instance, url)
	return ws.Dial(ctx, url, ws.ClientConfig{Logger: logger})
}

// readInput turns stdin lines into chat actions. "/export name" prints an export string.
func readInput(ctx context.Context, peer *lockstep.Peer, say lockstep.HandlerID, logger telemetry.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		err := peer.Do(ctx, func(s *lockstep.Scheduler) {
			if name, ok := strings.CutPrefix(text, "/export "); ok {
				out, err := s.Export(name)
				if err != nil {
					logger.Printf("[peer] export failed: %v", err)
					return
				}
				fmt.Println(out)
				return
			}
			if _, err := s.SendAction(say, encodeSay(text)); err != nil {
				logger.Printf("[peer] send failed: %v", err)
			}
		})
		if err != nil {
			return
		}
	}
}
