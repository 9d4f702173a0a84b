// Package client is a terminal client for exercising the event stream.
package client

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// Config holds what the TUI needs to connect.
type Config struct {
	ServerURL string
	Token     string
	RoomID    string
	Password  string
}

// line is one rendered entry of the log.
type line struct {
	id     string
	ts     time.Time
	user   string
	body   string
	kind   lineKind
	tempID string
}

type lineKind int

const (
	lineChat lineKind = iota
	lineSystem
	lineAI
	lineError
)

type appMode int

const (
	modeRoomPrompt appMode = iota
	modeChat
)

// TUIModel is the bubbletea state of the client.
type TUIModel struct {
	cfg             Config
	textInput       textinput.Model
	lines           []line
	streams         map[string]int
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	terminal        string
	connectionError error
	mode            appMode
	userID          string
	name            string
	roomID          string
	roomName        string
	participants    []string
	hasMore         bool
	oldest          *time.Time
	tempSeq         int
}

func NewTUIModel(cfg Config) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Room id, or /create <name>"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "room> "

	return &TUIModel{
		cfg:       cfg,
		textInput: input,
		lines:     make([]line, 0, 64),
		streams:   make(map[string]int),
		mode:      modeRoomPrompt,
	}
}

func (model *TUIModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.connectCmd())
}

// RunClient is the bubbletea entry point.
func RunClient(cfg Config) error {
	program := tea.NewProgram(NewTUIModel(cfg))
	_, err := program.Run()
	return err
}

func (model *TUIModel) system(body string) {
	model.lines = append(model.lines, line{ts: time.Now(), user: "system", body: body, kind: lineSystem})
}

func (model *TUIModel) failure(body string) {
	model.lines = append(model.lines, line{ts: time.Now(), user: "error", body: body, kind: lineError})
}

func (model *TUIModel) enterChat() {
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message… (/help)"
	model.textInput.Prompt = "> "
}

func (model *TUIModel) enterRoomPrompt() {
	model.mode = modeRoomPrompt
	model.roomID, model.roomName = "", ""
	model.participants = nil
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Room id, or /create <name>"
	model.textInput.Prompt = "room> "
}
