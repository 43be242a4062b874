package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/roomcode"
	"github.com/yuunie/clouddrop/internal/ui"
)

var protectCmd = &cobra.Command{
	Use:   "protect <room>",
	Short: "Set a password on a room",
	Long: `Set a password on a room. The hub stores only a salted hash; once set it
cannot be changed for the room's lifetime.

Examples:
  clouddrop protect SECUR3 --password hunter2!`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flagRoom = args[0]
		return protectRoom()
	},
}

func protectRoom() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	room := roomcode.Normalize(cfg.Room)
	if !roomcode.Valid(room) {
		return fmt.Errorf("%q is not a valid room code", room)
	}
	if len(cfg.Password) < crypto.MinPasswordLength {
		return crypto.ErrPasswordTooShort
	}
	if strength := crypto.PasswordStrength(cfg.Password); strength != crypto.StrengthStrong {
		ui.PrintWarning(fmt.Sprintf("password strength: %s", strength))
	}

	hash := crypto.HashPasswordForServer(cfg.Password, room)
	body, err := json.Marshal(map[string]string{"passwordHash": hash})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(
		cfg.APIBaseURL+"/api/room/set-password?room="+room,
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("set password: %s", result.Error)
	}
	ui.PrintSuccessf("%s room %s is now password protected", ui.IconLock, room)
	return nil
}

func init() {
	rootCmd.AddCommand(protectCmd)
	addSessionFlags(protectCmd)
}
