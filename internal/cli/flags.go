package cli

import (
	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/config"
)

var (
	flagDomain   string
	flagRoom     string
	flagPassword string
	flagName     string
	flagOutput   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagStrict   bool
	flagInsecure bool
)

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom signaling domain")
	cmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room code (6 characters)")
	cmd.Flags().StringVarP(&flagPassword, "password", "p", "", "Room password")
	cmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name shown to other devices")
	cmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	cmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	cmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	cmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	cmd.Flags().BoolVar(&flagRelay, "relay", false, "Force relay mode")
	cmd.Flags().BoolVar(&flagStrict, "strict-integrity", false, "Fail relay transfers that complete with missing chunks")
	cmd.Flags().BoolVar(&flagInsecure, "insecure", false, "Use ws/http instead of wss/https")
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		Domain:          flagDomain,
		Room:            flagRoom,
		Password:        flagPassword,
		OutputDir:       flagOutput,
		ForceRelay:      flagRelay,
		StrictIntegrity: flagStrict,
		STUNServer:      flagSTUN,
		TURNServer:      flagTURN,
		TURNUser:        flagTURNUser,
		TURNPass:        flagTURNPass,
		Insecure:        flagInsecure,
	})
}
