package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
)

// TransferRow tracks one transfer on the board, keyed by its file id.
type TransferRow struct {
	FileID    string
	Name      string
	Direction string // "send" or "receive"
	Total     int64
	Current   int64
	Speed     float64
	Done      bool
	Failed    bool
	ErrorMsg  string
}

// ProgressBoard renders every in-flight transfer, one bar per file.
type ProgressBoard struct {
	mu    sync.RWMutex
	order []string
	rows  map[string]*TransferRow
	bars  map[string]progress.Model
}

// NewProgressBoard creates an empty board.
func NewProgressBoard() *ProgressBoard {
	return &ProgressBoard{
		rows: make(map[string]*TransferRow),
		bars: make(map[string]progress.Model),
	}
}

// Track registers a transfer before its first progress event.
func (b *ProgressBoard) Track(fileID, name, direction string, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rows[fileID]; ok {
		return
	}
	b.order = append(b.order, fileID)
	b.rows[fileID] = &TransferRow{FileID: fileID, Name: name, Direction: direction, Total: total}
	b.bars[fileID] = progress.New(
		progress.WithGradient(ProgressStart, ProgressEnd),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)
}

// Update applies a progress event.
func (b *ProgressBoard) Update(fileID string, current int64, speed float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[fileID]
	if !ok {
		return
	}
	row.Current = current
	row.Speed = speed
	if row.Total > 0 && current >= row.Total {
		row.Done = true
	}
}

// Complete marks a transfer finished.
func (b *ProgressBoard) Complete(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[fileID]; ok {
		row.Done = true
		row.Current = row.Total
	}
}

// Fail marks a transfer failed.
func (b *ProgressBoard) Fail(fileID, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[fileID]; ok {
		row.Failed = true
		row.ErrorMsg = message
	}
}

// Len reports how many rows the board renders.
func (b *ProgressBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// AllSettled reports whether every tracked transfer finished or failed.
func (b *ProgressBoard) AllSettled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, row := range b.rows {
		if !row.Done && !row.Failed {
			return false
		}
	}
	return true
}

// View renders the board.
func (b *ProgressBoard) View() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out strings.Builder
	for _, fileID := range b.order {
		row := b.rows[fileID]
		bar := b.bars[fileID]

		icon := IconSend
		if row.Direction == "receive" {
			icon = IconReceive
		}
		nameStyle := MutedStyle
		switch {
		case row.Failed:
			icon = IconError
			nameStyle = ErrorStyle
		case row.Done:
			icon = IconSuccess
			nameStyle = SuccessStyle
		}

		out.WriteString(fmt.Sprintf("%s %s ", icon, nameStyle.Render(truncate(row.Name, 30))))

		percent := 1.0
		if row.Total > 0 {
			percent = float64(row.Current) / float64(row.Total)
		}
		out.WriteString(bar.ViewAs(percent))
		out.WriteString(fmt.Sprintf(" %5.1f%%", percent*100))

		if row.Failed {
			out.WriteString(" " + ErrorStyle.Render(row.ErrorMsg))
		} else if !row.Done && row.Speed > 0 {
			out.WriteString(MutedStyle.Render(" " + FormatSpeed(row.Speed)))
			if remaining := row.Total - row.Current; remaining > 0 {
				out.WriteString(MutedStyle.Render(fmt.Sprintf(" ETA: %s", formatDuration(float64(remaining)/row.Speed))))
			}
		}
		out.WriteString(MutedStyle.Render(fmt.Sprintf(" (%s/%s)", FormatBytes(row.Current), FormatBytes(row.Total))))
		out.WriteString("\n")
	}
	return out.String()
}

// RunLoop redraws the board every 100 ms until done closes, then prints the
// final frame.
func (b *ProgressBoard) RunLoop(done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lines := 0
	draw := func() {
		for i := 0; i < lines; i++ {
			fmt.Print("\033[A\033[2K")
		}
		view := b.View()
		lines = strings.Count(view, "\n")
		fmt.Print(view)
	}

	for {
		select {
		case <-done:
			draw()
			return
		case <-ticker.C:
			draw()
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// FormatBytes renders a byte count for humans.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatSpeed renders a transfer rate for humans.
func FormatSpeed(bytesPerSecond float64) string {
	const (
		kb = 1024.0
		mb = kb * 1024.0
	)
	switch {
	case bytesPerSecond >= mb:
		return fmt.Sprintf("%.2f MB/s", bytesPerSecond/mb)
	case bytesPerSecond >= kb:
		return fmt.Sprintf("%.2f KB/s", bytesPerSecond/kb)
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
}

func formatDuration(seconds float64) string {
	if seconds < 1 {
		return "<1s"
	}
	if seconds < 60 {
		return fmt.Sprintf("%.0fs", seconds)
	}
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%dm%ds", mins, secs)
}
