package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PeerRow is one room member in the peers table.
type PeerRow struct {
	Index    int
	Name     string
	Device   string
	Platform string
	Path     string // connection status: connecting / slow / relay / connected
}

// RenderPeerTable prints the current room membership.
func RenderPeerTable(peers []PeerRow) {
	if len(peers) == 0 {
		fmt.Println(MutedStyle.Render("No other devices in the room yet."))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Name", "Device", "Platform", "Path"})
	for _, p := range peers {
		t.AppendRow(table.Row{p.Index, p.Name, p.Device, p.Platform, p.Path})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignCenter},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// RenderRoomBanner prints the joined room and its protection state.
func RenderRoomBanner(roomCode string, protected bool) {
	lock := ""
	if protected {
		lock = " " + IconLock
	}
	fmt.Println(BoxStyle.Render(fmt.Sprintf("%s Room %s%s", IconRoom, TitleStyle.Render(roomCode), lock)))
}

// TransferSummary is the completion card printed after a transfer batch.
type TransferSummary struct {
	Files     int
	TotalSize int64
	Duration  time.Duration
}

// RenderTransferSummary prints the completion card.
func RenderTransferSummary(s TransferSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRow(table.Row{"Files", s.Files})
	t.AppendRow(table.Row{"Total size", FormatBytes(s.TotalSize)})
	t.AppendRow(table.Row{"Duration", s.Duration.Round(time.Millisecond)})
	if seconds := s.Duration.Seconds(); seconds > 0 {
		t.AppendRow(table.Row{"Speed", FormatSpeed(float64(s.TotalSize) / seconds)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
