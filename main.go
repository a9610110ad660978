package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"noverterm/cache"
	"noverterm/config"
	"noverterm/crypto"
	"noverterm/discovery"
	"noverterm/gateway"
	"noverterm/logger"
	"noverterm/mapper"
	"noverterm/network"
	"noverterm/storage"
)

func main() {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	zlog, syncLog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() {
		_ = syncLog()
	}()

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		zlog.Fatal("startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			zlog.Error("database close error", zap.Error(err))
		}
	}()
	store.SetConnectionEventRetention(cfg.ConnectionEventRetention())

	keyring, err := crypto.NewKeyring(cfg.KeysDir)
	if err != nil {
		zlog.Fatal("startup failed while opening keyring", zap.Error(err))
	}

	manager, err := network.NewManager(network.ManagerOptions{
		Lookup:         store,
		Keys:           keyring,
		Logger:         zlog,
		KnownHostsPath: cfg.KnownHostsPath,
		ConnectTimeout: cfg.ConnectTimeout(),
	})
	if err != nil {
		zlog.Fatal("startup failed while creating connection manager", zap.Error(err))
	}
	defer manager.Stop()

	persistence := gateway.NewStorePersistence(store)
	actions := gateway.NewActions(manager)

	forwards, err := cache.NewForwardStore(cache.ForwardStoreOptions{
		Persistence: persistence,
		Actions:     actions,
		Logger:      zlog,
	})
	if err != nil {
		zlog.Fatal("startup failed while creating forward store", zap.Error(err))
	}
	sessions, err := cache.NewSessionStore(cache.SessionStoreOptions{
		Persistence: persistence,
		Actions:     actions,
		Logger:      zlog,
		Forwards:    forwards,
	})
	if err != nil {
		zlog.Fatal("startup failed while creating session store", zap.Error(err))
	}
	keys, err := cache.NewKeyStore(cache.KeyStoreOptions{
		Persistence: persistence,
		Keys:        gateway.NewKeyActions(keyring),
		Logger:      zlog,
	})
	if err != nil {
		zlog.Fatal("startup failed while creating key store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, initCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return sessions.Init(initCtx) })
	g.Go(func() error { return keys.Init(initCtx) })
	g.Go(func() error { return forwards.Init(initCtx) })
	if err := g.Wait(); err != nil {
		zlog.Fatal("startup failed while loading cache", zap.Error(err))
	}

	for _, rule := range forwards.Forwards() {
		if err := actions.AddForward(ctx, mapper.ForwardToRecord(rule)); err != nil {
			zlog.Warn("register forward failed", zap.String("forward_id", rule.ID), zap.Error(err))
		}
	}

	cancelSessionLog := sessions.Subscribe(func() {
		zlog.Debug("sessions changed", zap.Int("count", len(sessions.Sessions())))
	})
	defer cancelSessionLog()

	go sessions.Follow(ctx, gateway.DroppedLinks(ctx, manager.Events()))
	go cache.RunRefreshLoop(ctx, cfg.RefreshInterval(), zlog, sessions, keys, forwards)

	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Keys Directory:  %s\n", keyring.Dir())
	fmt.Printf("Sessions:        %d\n", len(sessions.Sessions()))
	fmt.Printf("Keys:            %d\n", len(keys.Keys()))
	fmt.Printf("Forwards:        %d\n", len(forwards.Forwards()))

	if cfg.DiscoveryEnabled {
		browser, err := discovery.NewBrowser(discovery.Config{
			ScanTimeout:      cfg.DiscoveryScanTimeout(),
			ExcludeHostNames: localHostNames(),
		})
		if err != nil {
			zlog.Warn("discovery startup failed", zap.Error(err))
		} else {
			hosts, err := cache.NewHostStore(cache.HostStoreOptions{
				Scanner:         browser,
				Sessions:        sessions,
				DefaultUsername: cfg.DefaultUsername,
				Logger:          zlog,
			})
			if err != nil {
				zlog.Fatal("startup failed while creating host store", zap.Error(err))
			}
			cancelHostLog := hosts.Subscribe(func() {
				for _, host := range hosts.Hosts() {
					zlog.Info("discovery: ssh host available",
						zap.String("name", host.Name),
						zap.String("host", host.Address()),
						zap.Int("port", host.Port),
					)
				}
			})
			defer cancelHostLog()

			go func() {
				if err := hosts.Refresh(ctx); err != nil && ctx.Err() == nil {
					zlog.Warn("discovery scan failed", zap.Error(err))
				}
				cache.RunRefreshLoop(ctx, cfg.DiscoveryInterval(), zlog, hosts)
			}()
			fmt.Println("Discovery:       running")
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func localHostNames() []string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return nil
	}
	return []string{name}
}
