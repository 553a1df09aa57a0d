package menu

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/mkrueger/icy-board-sub002/internal/ansi"
	"github.com/mkrueger/icy-board-sub002/internal/file"
	"github.com/mkrueger/icy-board-sub002/internal/terminalio"
	"github.com/mkrueger/icy-board-sub002/internal/transfer"
	"github.com/mkrueger/icy-board-sub002/internal/user"
	"github.com/mkrueger/icy-board-sub002/internal/ziplab"
)

// uploadStepLabels maps processing steps to the short status lines shown
// while an upload is being checked.
var uploadStepLabels = map[ziplab.StepNumber]string{
	ziplab.StepIntegrity:  "Testing archive integrity",
	ziplab.StepExtract:    "Extracting for inspection",
	ziplab.StepVirusScan:  "Scanning contents",
	ziplab.StepRemoveAds:  "Reading FILE_ID.DIZ",
	ziplab.StepAddComment: "Stamping archive comment",
	ziplab.StepInclude:    "Adding board file",
}

// runUploadFiles receives files into the current file area over ZMODEM,
// runs each supported archive through the upload-processing pipeline
// (integrity test, scan, FILE_ID.DIZ extraction), registers the survivors
// with the file base, and credits the uploader's stats.
func (e *MenuExecutor) runUploadFiles(s ssh.Session, terminal *term.Terminal, currentUser *user.User, userManager *user.UserMgr, currentAreaID int, currentAreaTag string, outputMode ansi.OutputMode, nodeNumber int, sessionStartTime time.Time) error {
	if currentUser == nil {
		return nil
	}

	area, ok := e.FileMgr.GetAreaByID(currentAreaID)
	if !ok {
		return fmt.Errorf("file area %d not found", currentAreaID)
	}
	if !checkACS(area.ACSUpload, currentUser, s, terminal, sessionStartTime) {
		if e.recordSecurityViolation(terminal, nodeNumber, currentUser, outputMode) {
			return fmt.Errorf("security violation limit reached")
		}
		return nil
	}

	recvDir, err := os.MkdirTemp("", "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	defer os.RemoveAll(recvDir)

	msg := fmt.Sprintf("\r\n|15Uploading to |14%s|15. Start your ZMODEM transfer now.|07\r\n", currentAreaTag)
	_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte(msg)), outputMode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	received, err := transfer.ReceiveFilesZmodem(ctx, s, recvDir)
	if err != nil {
		log.Printf("WARN: Node %d: Upload transfer error: %v", nodeNumber, err)
	}
	if len(received) == 0 {
		// The engine reports finished files itself, but a transfer that
		// died mid-session may still have left complete files on disk.
		if found, scanErr := scanDirectoryFiles(recvDir); scanErr == nil {
			for name := range found {
				received = append(received, filepath.Join(recvDir, name))
			}
			sort.Strings(received)
		}
	}
	if len(received) == 0 {
		_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte("\r\n|12No files received.|07\r\n")), outputMode)
		return err
	}

	cfg, cfgErr := ziplab.LoadConfig(e.RootConfigPath)
	if cfgErr != nil {
		log.Printf("WARN: Node %d: ziplab config error, using defaults: %v", nodeNumber, cfgErr)
		cfg = ziplab.DefaultConfig()
	}

	areaDir, err := e.FileMgr.AreaDirPath(currentAreaID)
	if err != nil {
		return err
	}

	accepted := 0
	for _, path := range received {
		name := filepath.Base(path)
		description := ""

		if cfg.Enabled && cfg.RunOnUpload && cfg.IsArchiveSupported(name) {
			proc := ziplab.NewProcessor(cfg, e.RootConfigPath)
			statusFn := func(step ziplab.StepNumber, status ziplab.Status) {
				if status != ziplab.StatusDoing {
					return
				}
				line := fmt.Sprintf("\r|07  %s...", uploadStepLabels[step])
				_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte(line)), outputMode)
			}
			result := proc.RunPipeline(path, statusFn)
			_ = terminalio.WriteProcessedBytes(terminal, []byte("\r\n"), outputMode)
			if !result.Success {
				log.Printf("WARN: Node %d: Upload %s rejected: %v", nodeNumber, name, result.Error)
				rej := fmt.Sprintf("|12%s rejected: failed upload checks.|07\r\n", name)
				_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte(rej)), outputMode)
				continue
			}
			description = result.Description
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			// The pipeline may have quarantined or deleted the file.
			log.Printf("WARN: Node %d: Uploaded file %s vanished during processing: %v", nodeNumber, name, statErr)
			continue
		}

		dest := filepath.Join(areaDir, name)
		if moveErr := moveFile(path, dest); moveErr != nil {
			log.Printf("ERROR: Node %d: Failed to store upload %s: %v", nodeNumber, name, moveErr)
			continue
		}

		record := file.FileRecord{
			ID:          uuid.New(),
			AreaID:      currentAreaID,
			Filename:    name,
			Description: description,
			Size:        info.Size(),
			UploadedAt:  time.Now(),
			UploadedBy:  currentUser.Handle,
		}
		if addErr := e.FileMgr.AddFileRecord(record); addErr != nil {
			log.Printf("ERROR: Node %d: Failed to register upload %s: %v", nodeNumber, name, addErr)
			continue
		}
		accepted++
		ok := fmt.Sprintf("|10%s accepted|07 (%d bytes)\r\n", name, info.Size())
		_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte(ok)), outputMode)
	}

	if accepted > 0 {
		currentUser.NumUploads += accepted
		if saveErr := userManager.UpdateUser(currentUser); saveErr != nil {
			log.Printf("ERROR: Node %d: Failed to save upload stats for %s: %v", nodeNumber, currentUser.Handle, saveErr)
		}
	}

	summary := fmt.Sprintf("\r\n|15%d of %d file(s) accepted into |14%s|15.|07\r\n", accepted, len(received), currentAreaTag)
	_ = terminalio.WriteProcessedBytes(terminal, ansi.ReplacePipeCodes([]byte(summary)), outputMode)
	return nil
}

// scanDirectoryFiles lists the regular files in an upload directory,
// keyed by name. Symlinks and the transfer layer's metadata.json are
// excluded so nothing outside the received set can be registered.
func scanDirectoryFiles(dir string) (map[string]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string]os.FileInfo)
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(ent.Name(), "metadata.json") {
			continue
		}
		info, infoErr := ent.Info()
		if infoErr != nil {
			continue
		}
		files[ent.Name()] = info
	}
	return files, nil
}

// moveFile renames src to dest, falling back to copy+remove across
// filesystems (temp dirs often live on a different mount than the file
// areas).
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return err
	}
	return os.Remove(src)
}
