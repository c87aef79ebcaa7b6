package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/usenocturne/kbpair/picker"
	"github.com/usenocturne/kbpair/ws"
)

func main() {
	os.Exit(run(connectBluez, os.Stdin, os.Stdout))
}

// run returns 0 on success or cancel, 1 on a pairing failure, and 1 on
// any other error after logging it.
func run(connect connectFunc, in io.Reader, out io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("error: %v", err)
		return 1
	}

	hub := ws.NewWebSocketHub(uuid.NewString())

	if cfg.Port != "" {
		srv := newEventServer(cfg, hub)
		go func() {
			log.Printf("Event server starting on :%s", cfg.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Event server failed: %v", err)
			}
		}()
		defer func() {
			hub.CloseAll()
			srv.Close()
		}()
	}

	bt, err := connect(cfg, hub)
	if err != nil {
		log.Printf("error: %v", err)
		return 1
	}
	defer bt.Close()

	code, err := picker.New(bt, in, out).Run(context.Background())
	if err != nil {
		log.Printf("error: %v", err)
		return 1
	}
	return code
}
