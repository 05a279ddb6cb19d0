package main

import (
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/config"
	"confidant/backend/internal/storage"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mama165/sdk-go/logs"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: admin <command> [args]")
		fmt.Println("  sweep              reclaim expired waiting rooms, unfinished teardowns and orphan messages")
		fmt.Println("  destroy <room_id>  tear down one room and its messages")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	teardown := chathub.NewTeardown(store, log)

	switch os.Args[1] {
	case "sweep":
		report, err := chathub.NewSweeper(teardown, cfg.WaitingRoomTTL, cfg.SweepInterval, log).SweepOnce(ctx)
		fmt.Printf("Expired waiting rooms: %d\nFinished closed rooms: %d\nOrphan messages removed: %d\n",
			report.ExpiredWaiting, report.FinishedClosed, report.OrphanMessages)
		if err != nil {
			fmt.Printf("Sweep incomplete: %v\n", err)
			os.Exit(1)
		}
	case "destroy":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin destroy <room_id>")
			os.Exit(1)
		}
		roomID := os.Args[2]
		if err := teardown.Destroy(ctx, roomID); err != nil {
			fmt.Printf("Error destroying room %s: %v\n", roomID, err)
			os.Exit(1)
		}
		fmt.Printf("Room %s has been destroyed.\n", roomID)
	default:
		fmt.Println("Unknown command")
		os.Exit(1)
	}
}
