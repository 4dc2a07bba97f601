package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/notebook-fleet/notebook-fleet/test/mockbridge"
)

func main() {
	addr := flag.String("addr", ":8888", "Server address")
	flag.Parse()

	state := mockbridge.NewState()
	server := mockbridge.NewServer(state)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down mock bridge...")
		os.Exit(0)
	}()

	log.Printf("Starting mock notebook bridge on %s", *addr)
	if err := server.Run(*addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
