// Command remote-buddy runs the production-side half of the INTAP tunnel:
// it dials local-buddy at startup, accepts real REST clients, and dials the
// production database on demand.
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
		fmt.Fprintf(os.Stderr, "remote-buddy: %v\n", err)
		os.Exit(1)
	}
	if file.LocalBuddy == "" || file.RESTServerAddress == "" || file.DatabaseAddress == "" {
		fmt.Fprintln(os.Stderr, "remote-buddy: config must set Local_Buddy, RESTServer_Address, and Database_Address")
		os.Exit(1)
	}

	buddylog.Setup("remote-buddy", file.LogPath, flags.DebugLevel)
	defer buddylog.Logger.Sync()

	restPort := file.RemoteListenPort
	if flags.ListenPort != 0 {
		restPort = flags.ListenPort
	}
	if restPort == 0 {
		restPort = config.DefaultListenPort
	}
	bufSize := config.DefaultBufferSize
	if flags.BufferSize != 0 {
		bufSize = flags.BufferSize
	}

	buddy := relay.NewRemoteBuddy(relay.RemoteConfig{
		LocalBuddyAddr: file.LocalBuddy,
		RESTListenAddr: net.JoinHostPort("", strconv.Itoa(restPort)),
		RESTServerAddr: file.RESTServerAddress,
		DatabaseAddr:   file.DatabaseAddress,
		BufferSize:     bufSize,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		buddylog.Logger.Info("remote-buddy shutting down")
		buddy.Shutdown()
		os.Exit(0)
	}()

	if err := buddy.Run(); err != nil {
		buddylog.Logger.Sugar().Fatalf("remote-buddy exited: %v", err)
	}
}
