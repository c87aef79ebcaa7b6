package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/usenocturne/kbpair/ws"
)

type InfoResponse struct {
	Version string `json:"version"`
	Session string `json:"session"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newEventServer(cfg config, hub *ws.WebSocketHub) *http.Server {
	return &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newEventMux(cfg, hub),
	}
}

func newEventMux(cfg config, hub *ws.WebSocketHub) *http.ServeMux {
	mux := http.NewServeMux()

	// GET /info
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method != "GET" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		content, err := os.ReadFile(cfg.VersionFile)
		if err != nil {
			http.Error(w, "Error reading version file", http.StatusInternalServerError)
			return
		}

		response := InfoResponse{
			Version: strings.TrimSpace(string(content)),
			Session: hub.Session(),
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, "Error encoding response", http.StatusInternalServerError)
			return
		}
	})

	// GET /ws streams progress events until the client goes away.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}
		hub.AddClient(conn)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.RemoveClient(conn)
				return
			}
		}
	})

	return mux
}
