package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beedoor/atomix/client/config"
	"github.com/beedoor/atomix/client/pkg/dispatch"
	"github.com/beedoor/atomix/common/model"
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
		path = "atomix-client.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, fmt.Sprintf("[%s client] ", cfg.Client.ID), log.LstdFlags)

	members := make([]model.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		members = append(members, model.Member{ID: model.MemberID(m.ID), Host: m.Host, Port: m.Port, Role: model.RoleActive})
	}

	client := dispatch.NewClient(dispatch.Config{
		ClientID:        cfg.Client.ID,
		ServiceName:     cfg.Client.ServiceName,
		ServiceType:     cfg.Client.ServiceType,
		ReadConsistency: model.ReadConsistency(cfg.Session.ReadConsistency),
		SessionTimeout:  cfg.Session.Timeout,
		Members:         members,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	args := os.Args[1:]
	if len(args) == 0 {
		return fmt.Errorf("usage: client put <key> <value> | get <key> | remove <key> | watch")
	}

	switch args[0] {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: client put <key> <value>")
		}
		payload, _ := json.Marshal(map[string]any{"key": args[1], "value": []byte(args[2])})
		if _, err := client.SubmitCommand(ctx, "put", payload); err != nil {
			return err
		}
		logger.Printf("put %s", args[1])
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: client get <key>")
		}
		payload, _ := json.Marshal(map[string]any{"key": args[1]})
		value, err := client.SubmitQuery(ctx, "get", payload)
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: client remove <key>")
		}
		payload, _ := json.Marshal(map[string]any{"key": args[1]})
		if _, err := client.SubmitCommand(ctx, "remove", payload); err != nil {
			return err
		}
		logger.Printf("removed %s", args[1])
		return nil

	case "watch":
		client.OnEvent(func(index int64, payload []byte) {
			logger.Printf("event %d: %s", index, payload)
		})
		if _, err := client.SubmitCommand(ctx, "listen", nil); err != nil {
			return err
		}
		logger.Printf("watching for changes, ctrl-c to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
