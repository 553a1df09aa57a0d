// Command icyboard is the board's management CLI: it can run the server
// against a rooted install directory, or migrate a legacy install onto the
// TOML persistent-state layout.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mkrueger/icy-board-sub002/internal/conference"
	"github.com/mkrueger/icy-board-sub002/internal/config"
	"github.com/mkrueger/icy-board-sub002/internal/logging"
	"github.com/mkrueger/icy-board-sub002/internal/transfer"
	"github.com/mkrueger/icy-board-sub002/internal/user"
	"github.com/mkrueger/icy-board-sub002/internal/vision3server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: icyboard run <config-path>\n       icyboard import <src> <dst>\n")
}

func main() {
	log.SetOutput(os.Stderr)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if !logging.SetLevel(lvl) {
			log.Printf("WARN: unknown LOG_LEVEL %q, keeping default", lvl)
		}
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "import":
		err = importCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
}

// runCmd implements "icyboard run <config-path>": starts the server rooted
// at config-path. It shares vision3server.Run with cmd/vision3 so both
// binaries boot the identical bootstrap instead of duplicating it.
func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	outputMode := fs.String("output-mode", "auto", "Terminal output mode: auto (default), utf8, cp437")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return fmt.Errorf("run requires exactly one argument: <config-path>")
	}
	return vision3server.Run(fs.Arg(0), *outputMode)
}

// importCmd implements "icyboard import <src> <dst>": reads a legacy
// JSON-configured install rooted at src and writes out the equivalent TOML
// persistent-state layout rooted at dst (icyboard.toml, config/*.toml,
// home/<name>/user.toml).
func importCmd(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		usage()
		return fmt.Errorf("import requires exactly two arguments: <src> <dst>")
	}
	src, dst := fs.Arg(0), fs.Arg(1)

	srcConfigDir := filepath.Join(src, "configs")
	dstConfigDir := filepath.Join(dst, "config")
	if err := os.MkdirAll(dstConfigDir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dstConfigDir, err)
	}

	serverConfig, err := config.LoadServerConfig(srcConfigDir)
	if err != nil {
		return fmt.Errorf("failed to load legacy server config: %w", err)
	}
	if err := config.SaveIcyBoardTOML(dst, serverConfig); err != nil {
		return fmt.Errorf("failed to write icyboard.toml: %w", err)
	}
	log.Printf("INFO: wrote %s", filepath.Join(dst, "icyboard.toml"))

	srcUserDataDir := filepath.Join(src, "data", "users")
	um, err := user.NewUserManager(srcUserDataDir)
	if err != nil {
		return fmt.Errorf("failed to load legacy users: %w", err)
	}
	userCount, err := um.ExportHome(dst)
	if err != nil {
		return fmt.Errorf("failed to export users: %w", err)
	}
	log.Printf("INFO: exported %d user(s) to %s", userCount, filepath.Join(dst, "home"))

	cm, err := conference.NewConferenceManager(srcConfigDir)
	if err != nil {
		return fmt.Errorf("failed to load legacy conferences: %w", err)
	}
	if err := cm.SaveConferencesTOML(dstConfigDir); err != nil {
		return fmt.Errorf("failed to export conferences: %w", err)
	}
	log.Printf("INFO: wrote %s", filepath.Join(dstConfigDir, "conferences.toml"))

	protocols, err := transfer.LoadProtocols(filepath.Join(srcConfigDir, "protocols.json"))
	if err != nil {
		return fmt.Errorf("failed to load legacy protocols: %w", err)
	}
	if err := transfer.SaveProtocolsTOML(filepath.Join(dstConfigDir, "protocols.toml"), protocols); err != nil {
		return fmt.Errorf("failed to export protocols: %w", err)
	}
	log.Printf("INFO: wrote %s", filepath.Join(dstConfigDir, "protocols.toml"))

	log.Printf("INFO: import complete: %s -> %s", src, dst)
	return nil
}
