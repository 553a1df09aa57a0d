package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/logging"
	"github.com/mkrueger/icy-board-sub002/internal/vision3server"
)

func main() {
	outputMode := flag.String("output-mode", "auto", "Terminal output mode: auto (default), utf8, cp437")
	flag.Parse()

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if !logging.SetLevel(lvl) {
			log.Printf("WARN: unknown LOG_LEVEL %q, keeping default", lvl)
		}
	}

	basePath, err := os.Getwd()
	if err != nil {
		log.Fatalf("FATAL: Failed to get working directory: %v", err)
	}

	if err := vision3server.Run(basePath, strings.ToLower(*outputMode)); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
