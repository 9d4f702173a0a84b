package client

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	aiStyle            = usernameStyle.Copy().Foreground(lipgloss.Color("86"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	if model.mode == modeRoomPrompt {
		return model.renderRoomPromptView()
	}
	return model.renderChatView()
}

func (model *TUIModel) renderRoomPromptView() string {
	sections := []string{
		appTitleStyle.Render("Join a room"),
		menuHintStyle.Render("Enter a room id, or /create <name> [password]."),
		model.renderStatus(),
	}
	var notices []string
	for _, l := range model.lines {
		notices = append(notices, model.renderLine(l))
	}
	if len(notices) > 0 {
		sections = append(sections, noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...)))
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{
		"roomcast",
		fmt.Sprintf("Room %s", model.roomName),
		fmt.Sprintf("User %s", model.name),
		fmt.Sprintf("%d here", len(model.participants)),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	messageLines := make([]string, 0, len(model.lines)+1)
	if model.hasMore {
		messageLines = append(messageLines, systemMessageStyle.Render("/more for older messages"))
	}
	for _, l := range model.lines {
		messageLines = append(messageLines, model.renderLine(l))
	}
	if len(model.lines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		model.renderStatus(),
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Commands: /leave, /more, /help, /quit"),
	)
}

func (model *TUIModel) renderStatus() string {
	switch {
	case model.terminal != "":
		return errorStyle.Render("Disconnected: " + model.terminal)
	case model.connectionError != nil:
		return errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		return connectedStyle.Render("Connected")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func (model *TUIModel) renderLine(l line) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", l.ts.Local().Format("15:04:05")))
	switch l.kind {
	case lineSystem:
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(l.body))
	case lineError:
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", errorStyle.Copy().UnsetMarginTop().Render(l.body))
	}

	nameStyle := usernameStyle.Copy().Foreground(colorForUser(l.user))
	switch {
	case l.kind == lineAI:
		nameStyle = aiStyle
	case l.user == model.name:
		nameStyle = activeUserStyle
	}
	body := l.body
	if _, streaming := model.streams[l.id]; streaming {
		body += "▍"
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(l.user), ": ", bodyText)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
