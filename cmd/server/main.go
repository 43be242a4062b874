package main

import (
	"log"
	"net/http"
	"os"

	"github.com/yuunie/clouddrop/internal/config"
	"github.com/yuunie/clouddrop/internal/logging"
	"github.com/yuunie/clouddrop/internal/server"
	"github.com/yuunie/clouddrop/internal/signaling"
)

func main() {
	logging.Init()

	hub := signaling.NewHub()
	go hub.Run()

	mux := server.Routes(hub, server.Options{
		ICEServers: config.ServerICEServers(),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := ":" + port

	log.Printf("Starting signaling server on http://localhost%s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
