package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/server/pkg/config"
	"github.com/beedoor/atomix/server/pkg/server"
	"github.com/beedoor/atomix/server/pkg/service"
	"github.com/beedoor/atomix/server/pkg/service/kv"
	"github.com/beedoor/atomix/server/pkg/state"
	"github.com/beedoor/atomix/server/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Application failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	path := os.Getenv("ATOMIX_CONFIG_PATH")
	if path == "" {
		path = "atomix.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, fmt.Sprintf("[%s server] ", cfg.Node.ID), log.LstdFlags)

	registry := service.NewRegistry()
	registry.Register(kv.ServiceType, kv.New)

	snapshots, err := storage.OpenSnapshotStore(cfg.Storage.SnapshotPath)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	raftLog := storage.NewMemoryLog()
	mgr := state.NewManager(raftLog, registry, snapshots, logger)
	defer mgr.Stop()
	if err := mgr.Restore(); err != nil {
		return err
	}

	members := make([]model.Member, 0, len(cfg.Cluster.Members)+1)
	self := model.Member{ID: model.MemberID(cfg.Node.ID), Host: cfg.Node.Host, Port: cfg.Node.Port, Role: model.RoleActive}
	members = append(members, self)
	for _, m := range cfg.Cluster.Members {
		if m.ID == cfg.Node.ID {
			continue
		}
		members = append(members, model.Member{ID: model.MemberID(m.ID), Host: m.Host, Port: m.Port, Role: model.Role(m.Role)})
	}
	consensus, err := server.NewLocalConsensus(raftLog, model.NewClusterView(members), self.ID)
	if err != nil {
		return err
	}

	compactor := state.NewCompactor(mgr, snapshots, raftLog, cfg.Storage.CompactInterval, logger)
	compactor.Start()
	defer compactor.Stop()

	srv := server.New(self.ID, consensus, mgr, cfg.Session.DefaultTimeout, logger)
	defer srv.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(self.Address())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
		return nil
	}
}
