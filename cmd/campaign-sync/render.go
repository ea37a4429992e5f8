package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/ws"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	dmStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("135")).
		Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	streamStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	suggestionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6B7280")).
			Padding(0, 1)
)

func connectionLabel(cs ws.ConnState) string {
	switch cs.Phase {
	case ws.PhaseOpen:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Render("● live")
	case ws.PhaseConnecting:
		return metaStyle.Render("○ connecting")
	case ws.PhaseReconnecting:
		return streamStyle.Render(fmt.Sprintf("○ reconnecting in %s", cs.Backoff))
	default:
		return metaStyle.Render("○ " + cs.Phase.String())
	}
}

func senderLabel(m chat.Message) string {
	switch m.Sender {
	case chat.SenderDM:
		name := "DM"
		if m.CharacterName != "" {
			name = m.CharacterName
		}
		return dmStyle.Render(name)
	case chat.SenderSystem:
		return systemStyle.Render("system")
	default:
		name := "You"
		if m.CharacterName != "" {
			name = m.CharacterName
		}
		return userStyle.Render(name)
	}
}

// renderState draws one session as plain terminal text.
func renderState(sessionID string, st session.State) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Campaign " + sessionID))
	b.WriteString("  ")
	b.WriteString(connectionLabel(st.Connection))
	b.WriteString("\n\n")

	for _, m := range st.Messages {
		line := senderLabel(m) + ": " + m.Text
		if m.HasAudio {
			line += " ♪"
		}
		if m.IsLocal {
			line = pendingStyle.Render(line + " (sending)")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if st.Narrative != "" {
		text := st.Narrative
		if st.NarrativeStreaming {
			text += " ▌"
		}
		b.WriteString("\n" + streamStyle.Render("narrative") + " " + text + "\n")
	}
	if st.Response != "" {
		text := st.Response
		if st.ResponseStreaming {
			text += " ▌"
		}
		b.WriteString("\n" + streamStyle.Render("response") + " " + text + "\n")
	}

	var status []string
	switch {
	case st.PendingInitialNarrative:
		status = append(status, "waiting for the opening narrative")
	case st.AwaitingResponse:
		status = append(status, "the DM is thinking")
	case st.NeedsResume:
		status = append(status, "the DM is waiting for you")
	}
	if st.TurnIndicator != "" {
		status = append(status, st.TurnIndicator+"'s turn")
	}
	if len(status) > 0 {
		b.WriteString("\n" + metaStyle.Render(strings.Join(status, " · ")) + "\n")
	}

	if st.Suggestion != nil {
		body := st.Suggestion.Content
		if st.Suggestion.CharacterName != "" {
			body = st.Suggestion.CharacterName + " could: " + body
		}
		b.WriteString("\n" + suggestionStyle.Render(body) + "\n")
	}
	if st.Error != "" {
		b.WriteString("\n" + errorStyle.Render("! "+st.Error) + "\n")
	}
	return b.String()
}
