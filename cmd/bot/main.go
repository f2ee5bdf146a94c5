package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dylibso/discordbot/internal/app"
	"github.com/dylibso/discordbot/internal/registry"
)

func main() {
	var (
		cfgPath string
		invite  string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&invite, "invite", "", "invite a plugin author by guest key and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if invite != "" {
		link, err := a.Registry().InviteGuest(ctx, registry.InviteGuestRequest{GuestKey: invite})
		if err != nil {
			fmt.Println("invite failed:", err)
			os.Exit(1)
		}
		fmt.Println(link)
		_ = a.Stop(context.Background())
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Println("stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
