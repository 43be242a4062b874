package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/device"
	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/transfer"
	"github.com/yuunie/clouddrop/internal/ui"
)

var flagTo string

var sendCmd = &cobra.Command{
	Use:     "send <files...>",
	Aliases: []string{"s"},
	Short:   "Send files to a device in the room",
	Long: `Send files to another device in the room.

Examples:
  clouddrop send --room ABC234 report.pdf photo.jpg
  clouddrop send --room SECUR3 --password hunter2! backup.tar
  clouddrop send --relay --to "Rahel's laptop" file.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("no files specified")
		}
		return sendFiles(args)
	},
}

func sendFiles(paths []string) error {
	files, err := openFiles(paths)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range files {
			f.handle.Close()
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	board := ui.NewProgressBoard()
	app, err := NewApp(cfg, device.Local(flagName), transfer.Observer{
		OnProgress: func(ev transfer.ProgressEvent) {
			board.Track(ev.FileID, ev.FileName, "send", ev.FileSize)
			board.Update(ev.FileID, ev.Sent, ev.Speed)
		},
	})
	if err != nil {
		return err
	}
	defer app.Close()

	stop := ui.RunConnectionSpinner("Connecting to room...")
	if err := app.Connect(); err != nil {
		stop()
		return err
	}
	stop()
	ui.RenderRoomBanner(app.hub.RoomCode, cfg.Password != "")

	target, err := pickTarget(app)
	if err != nil {
		return err
	}
	ui.PrintInfof("%s sending to %s", ui.IconSend, app.PeerName(target))

	done := make(chan struct{})
	go board.RunLoop(done)

	started := time.Now()
	var totalSize int64
	for _, f := range files {
		err := app.SendFile(context.Background(), target, transfer.File{
			Name:     f.name,
			Size:     f.size,
			MimeType: f.mimeType,
			Reader:   f.handle,
		})
		if err != nil {
			close(done)
			return err
		}
		totalSize += f.size
	}
	close(done)

	fmt.Println()
	ui.PrintSuccess("Transfer complete")
	ui.RenderTransferSummary(ui.TransferSummary{
		Files:     len(files),
		TotalSize: totalSize,
		Duration:  time.Since(started),
	})
	return nil
}

type outgoingFile struct {
	name     string
	size     int64
	mimeType string
	handle   *os.File
}

func openFiles(paths []string) ([]outgoingFile, error) {
	files := make([]outgoingFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		handle, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		files = append(files, outgoingFile{
			name:     filepath.Base(path),
			size:     info.Size(),
			mimeType: mimeType,
			handle:   handle,
		})
	}
	return files, nil
}

// pickTarget selects the receiving peer: --to by name, otherwise the first
// peer of the room snapshot (which one is not defined when several are
// present); when nothing matches it waits for somebody to join.
func pickTarget(app *App) (string, error) {
	match := func(peers []protocol.PeerInfo) (string, bool) {
		if flagTo != "" {
			for _, p := range peers {
				if strings.EqualFold(p.Name, flagTo) {
					return p.ID, true
				}
			}
			return "", false
		}
		if len(peers) > 0 {
			return peers[0].ID, true
		}
		return "", false
	}

	if id, ok := match(app.Peers()); ok {
		return id, nil
	}

	stop := ui.RunSpinner("Waiting for a device to join the room...")
	defer stop()
	for {
		select {
		case <-app.PeerJoined:
			if id, ok := match(app.Peers()); ok {
				return id, nil
			}
		case err := <-app.Fatal:
			return "", err
		case <-time.After(5 * time.Minute):
			return "", fmt.Errorf("no matching device joined the room")
		}
	}
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addSessionFlags(sendCmd)
	sendCmd.Flags().StringVar(&flagTo, "to", "", "Receiver display name")
}
