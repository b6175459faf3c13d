package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sandeshapp/sandesh/pkg/store"
	"github.com/sandeshapp/sandesh/pkg/wire"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Define styles using lipgloss
var (
	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	peerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	deletedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Strikethrough(true)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("32"))

	typingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Italic(true)
)

var titleCaser = cases.Title(language.Und)

// conversationTitle renders "Direct: Asha" or "Group: Ward 12" banners.
func conversationTitle(kind wire.Kind, name string) string {
	return bannerStyle.Render(fmt.Sprintf("%s: %s", titleCaser.String(string(kind)), name))
}

// formatTime shows relative time for recent messages, absolute otherwise.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	if diff < time.Minute {
		return "just now"
	}
	if diff < time.Hour {
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	}
	if t.Year() == now.Year() {
		return t.Format("Jan 2, 15:04")
	}
	return t.Format("Jan 2, 2006")
}

// formatNumber formats a number with K/M suffixes for readability
func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	} else if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// renderRecord renders one message line for the terminal.
func renderRecord(rec store.Record, selfID string) string {
	var sb strings.Builder

	sender := rec.SenderID
	style := peerStyle
	if rec.SenderID == selfID {
		sender = "you"
		style = selfStyle
	}
	sb.WriteString(style.Render(sender))
	sb.WriteString(" ")
	sb.WriteString(metaStyle.Render(formatTime(rec.SentAt)))

	switch {
	case rec.Deleted:
		sb.WriteString("\n  " + deletedStyle.Render("(message deleted)"))
	case rec.Failed:
		sb.WriteString("\n  " + rec.Body)
		sb.WriteString("\n  " + failedStyle.Render("✗ failed to send, use /retry "+rec.TempKey))
	case rec.Pending:
		sb.WriteString("\n  " + pendingStyle.Render(rec.Body+" …"))
	default:
		sb.WriteString("\n  " + rec.Body)
	}

	for _, att := range rec.Attachments {
		sb.WriteString("\n  " + metaStyle.Render(fmt.Sprintf("📎 %s (%s)", att.Name, formatNumber(int(att.Size)))))
	}
	if rec.ReadAt != nil && rec.SenderID == selfID {
		sb.WriteString(" " + metaStyle.Render("✓✓"))
	}
	return sb.String()
}

// renderThread renders a full snapshot in order.
func renderThread(recs []store.Record, selfID string) string {
	var sb strings.Builder
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(renderRecord(rec, selfID))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderMessages renders archived messages, which carry no local state.
func renderMessages(msgs []wire.Message, selfID string) string {
	recs := make([]store.Record, len(msgs))
	for i, msg := range msgs {
		recs[i] = store.Record{Message: msg}
	}
	return renderThread(recs, selfID)
}
