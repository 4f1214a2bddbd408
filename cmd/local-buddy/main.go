// Command local-buddy runs the developer-side half of the INTAP tunnel: it
// accepts both DB client sessions and the remote-buddy tunnel itself on one
// listen port.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"intap/internal/buddylog"
	"intap/internal/config"
	"intap/internal/relay"
)

func main() {
	flags := config.ParseFlags(os.Args[1:])

	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	file, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "local-buddy: %v\n", err)
		os.Exit(1)
	}

	buddylog.Setup("local-buddy", file.LogPath, flags.DebugLevel)
	defer buddylog.Logger.Sync()

	port := file.ListenPort
	if flags.ListenPort != 0 {
		port = flags.ListenPort
	}
	if port == 0 {
		port = config.DefaultListenPort
	}
	bufSize := config.DefaultBufferSize
	if flags.BufferSize != 0 {
		bufSize = flags.BufferSize
	}

	buddy := relay.NewLocalBuddy(relay.LocalConfig{
		ListenAddr: net.JoinHostPort("", strconv.Itoa(port)),
		BufferSize: bufSize,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		buddylog.Logger.Info("local-buddy shutting down")
		buddy.Shutdown()
		os.Exit(0)
	}()

	if err := buddy.Run(); err != nil {
		buddylog.Logger.Sugar().Fatalf("local-buddy exited: %v", err)
	}
}
