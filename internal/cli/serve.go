package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/config"
	"github.com/yuunie/clouddrop/internal/server"
	"github.com/yuunie/clouddrop/internal/signaling"
	"github.com/yuunie/clouddrop/internal/ui"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling service",
	Long: `Run the CloudDrop signaling service: room membership, password gate and
frame forwarding on /ws, plus the room API under /api.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hub := signaling.NewHub()
		go hub.Run()

		mux := server.Routes(hub, server.Options{
			ICEServers: config.ServerICEServers(),
		})

		ui.PrintInfof("signaling service listening on %s", flagListen)
		return fmt.Errorf("serve: %w", http.ListenAndServe(flagListen, mux))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", ":8080", "Listen address")
}
