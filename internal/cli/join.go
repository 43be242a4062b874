package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/device"
	"github.com/yuunie/clouddrop/internal/transfer"
	"github.com/yuunie/clouddrop/internal/ui"
)

var (
	flagAutoAccept bool
	flagTrust      bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j", "receive"},
	Short:   "Join a room and receive files and messages",
	Long: `Join a room and stay connected, receiving files and chat messages from
other devices. Incoming files are written to the output directory.

Examples:
  clouddrop join ABC234
  clouddrop join SECUR3 --password hunter2! --output ~/Downloads
  clouddrop join ABC234 --yes --trust`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			flagRoom = args[0]
		}
		return joinRoom()
	},
}

func joinRoom() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	board := ui.NewProgressBoard()
	var app *App

	observer := transfer.Observer{
		Accept: func(req transfer.IncomingRequest) bool {
			accepted := flagAutoAccept || promptAccept(req)
			if accepted && flagTrust {
				if err := app.TrustPeer(req.PeerID); err == nil {
					ui.PrintInfof("trusted %s for future transfers", req.PeerName)
				}
			}
			return accepted
		},
		OnProgress: func(ev transfer.ProgressEvent) {
			board.Track(ev.FileID, ev.FileName, "receive", ev.FileSize)
			board.Update(ev.FileID, ev.Sent, ev.Speed)
		},
		OnReceived: func(file transfer.ReceivedFile) {
			board.Complete(file.FileID)
			if len(file.MissingChunks) > 0 {
				ui.PrintWarning(fmt.Sprintf("%s arrived with %d missing chunks", file.Name, len(file.MissingChunks)))
			}
			path, err := writeReceivedFile(outputDir, file)
			if err != nil {
				ui.PrintErrorf("save %s: %v", file.Name, err)
				return
			}
			ui.PrintSuccessf("%s received %s (%s)", ui.IconReceive, path, ui.FormatBytes(int64(len(file.Data))))
		},
		OnText: func(peerID, text string) {
			fmt.Printf("%s %s: %s\n", ui.IconChat, app.PeerName(peerID), text)
		},
		OnCancelled: func(peerID, fileID, reason string) {
			board.Fail(fileID, "cancelled: "+reason)
			ui.PrintWarning(fmt.Sprintf("transfer cancelled by %s (%s)", app.PeerName(peerID), reason))
		},
		OnNameChange: func(peerID, name string) {
			ui.PrintInfof("%s is now known as %s", ui.IconPeer, name)
		},
	}

	app, err = NewApp(cfg, device.Local(flagName), observer)
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
	renderPeers(app)

	// Stay resident until interrupted or the session fails terminally.
	for {
		select {
		case peer := <-app.PeerJoined:
			ui.PrintInfof("%s %s joined the room", ui.IconPeer, peer.Name)
		case err := <-app.Fatal:
			return err
		}
	}
}

func renderPeers(app *App) {
	peers := app.Peers()
	rows := make([]ui.PeerRow, len(peers))
	for i, p := range peers {
		rows[i] = ui.PeerRow{
			Index:    i + 1,
			Name:     p.Name,
			Device:   p.DeviceType,
			Platform: p.BrowserInfo,
			Path:     string(app.PeerStatus(p.ID)),
		}
	}
	ui.RenderPeerTable(rows)
}

func promptAccept(req transfer.IncomingRequest) bool {
	fmt.Printf("\n%s %s wants to send %s (%s). Accept? [Y/n] ",
		ui.IconFile, req.PeerName, req.Name, ui.FormatBytes(req.Size))
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	return answer != "n" && answer != "N"
}

// writeReceivedFile stores a delivered file, avoiding collisions with an
// existing name.
func writeReceivedFile(dir string, file transfer.ReceivedFile) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(file.Name))
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		ext := filepath.Ext(file.Name)
		base := strings.TrimSuffix(filepath.Base(file.Name), ext)
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	if err := os.WriteFile(path, file.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)
	addSessionFlags(joinCmd)
	joinCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Directory for received files")
	joinCmd.Flags().BoolVarP(&flagAutoAccept, "yes", "y", false, "Accept incoming files without prompting")
	joinCmd.Flags().BoolVar(&flagTrust, "trust", false, "Remember accepted senders as trusted devices")
}
