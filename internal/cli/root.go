package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/logging"
	"github.com/yuunie/clouddrop/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "clouddrop",
	Short: "Browser-grade peer-to-peer file and message transfer from the terminal",
	Long: `CloudDrop connects devices in a shared room through a signaling service,
negotiates a direct WebRTC data channel and exchanges files and messages
end-to-end encrypted. When a direct path cannot be established the transfer
transparently falls back to a server-mediated relay while a background task
keeps trying to restore the direct path.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once by main.main().
func Execute() {
	logging.Init()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
