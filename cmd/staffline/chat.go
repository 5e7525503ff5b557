package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	staffline "github.com/staffline-io/staffline-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Open the interactive chat",
	Long:  "Open a two-pane terminal chat: conversations on the left, the open conversation on the right.\nLogs go to ~/.staffline/chat.log while the chat is open.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// the console logger would draw over the alt screen
		dir, err := configDir()
		if err != nil {
			return err
		}
		logFile, err := os.OpenFile(filepath.Join(dir, "chat.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open chat log: %w", err)
		}
		defer logFile.Close()
		logger = zerolog.New(logFile).Level(logger.GetLevel()).With().Timestamp().Logger()

		ws, err := openWorkspace(ctx, true)
		if err != nil {
			return err
		}
		defer ws.Close()

		bridge := newEventBridge(ws.inbox)
		defer bridge.close()

		model := newChatModel(ctx, ws, bridge)
		if len(args) == 1 {
			model.initial = args[0]
		}
		_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
		return err
	},
}

// ============================================================================
// Event bridge
// ============================================================================

type inboxEventMsg struct {
	event   string
	payload any
}

// eventBridge forwards Inbox events into the program loop.
type eventBridge struct {
	ch   chan inboxEventMsg
	done chan struct{}
	once sync.Once
}

func newEventBridge(inbox *staffline.Inbox) *eventBridge {
	b := &eventBridge{ch: make(chan inboxEventMsg, 64), done: make(chan struct{})}
	for _, event := range []string{
		staffline.EventIdentityChanged,
		staffline.EventConversationsUpdated,
		staffline.EventMessagesUpdated,
		staffline.EventShowChat,
		staffline.EventSubscriptionState,
		staffline.EventNotice,
	} {
		inbox.On(event, b.forward)
	}
	return b
}

func (b *eventBridge) forward(event string, payload any) {
	select {
	case b.ch <- inboxEventMsg{event: event, payload: payload}:
	case <-b.done:
	}
}

func (b *eventBridge) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.ch:
			return msg
		case <-b.done:
			return nil
		}
	}
}

func (b *eventBridge) close() {
	b.once.Do(func() { close(b.done) })
}

// ============================================================================
// Model
// ============================================================================

type pane int

const (
	paneList pane = iota
	paneChat
	paneFilter
)

// below this width only one pane is shown at a time
const narrowWidth = 80

const listWidth = 34

type sendDoneMsg struct{ err error }

type opDoneMsg struct {
	op  string
	err error
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	unreadStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7B801"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4CAF50"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444"))
	focusedStyle = boxStyle.BorderForeground(lipgloss.Color("#5B8DEF"))
)

type chatModel struct {
	ctx     context.Context
	ws      *workspace
	events  *eventBridge
	initial string

	convs    []staffline.Conversation
	cursor   int
	filter   textinput.Model
	input    textinput.Model
	history  viewport.Model
	focus    pane
	showChat bool
	state    staffline.SubscriptionState
	status   string

	width, height int
}

func newChatModel(ctx context.Context, ws *workspace, events *eventBridge) *chatModel {
	filter := textinput.New()
	filter.Placeholder = "filter by name..."
	filter.Prompt = "/ "
	filter.CharLimit = 64

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000

	m := &chatModel{
		ctx:     ctx,
		ws:      ws,
		events:  events,
		filter:  filter,
		input:   input,
		history: viewport.New(40, 10),
		state:   ws.inbox.Push.State(),
		width:   100,
		height:  30,
	}
	m.refreshConversations()
	m.refreshHistory()
	m.resize()
	return m
}

func (m *chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.events.wait(), textinput.Blink}
	if m.initial != "" {
		cmds = append(cmds, m.open(m.initial))
	}
	return tea.Batch(cmds...)
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case inboxEventMsg:
		m.handleEvent(msg)
		return m, m.events.wait()

	case sendDoneMsg:
		if msg.err == nil {
			m.status = ""
			return m, nil
		}
		var sendErr *staffline.SendError
		if errors.As(msg.err, &sendErr) {
			if m.input.Value() == "" {
				m.input.SetValue(sendErr.Content)
				m.input.CursorEnd()
			}
			m.status = "Message not sent. Press enter to retry."
		}
		return m, nil

	case opDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed", msg.op)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *chatModel) handleEvent(msg inboxEventMsg) {
	switch msg.event {
	case staffline.EventConversationsUpdated, staffline.EventIdentityChanged:
		m.refreshConversations()
	case staffline.EventMessagesUpdated:
		m.refreshHistory()
	case staffline.EventShowChat:
		if id, _ := msg.payload.(string); id != "" && id == m.ws.inbox.Stream.Selected() {
			m.showChat = true
			m.focus = paneChat
			m.filter.Blur()
			m.input.Focus()
		}
	case staffline.EventSubscriptionState:
		if s, ok := msg.payload.(staffline.SubscriptionState); ok {
			m.state = s
		}
	}
}

func (m *chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.focus {
	case paneFilter:
		switch msg.String() {
		case "enter", "esc":
			m.focus = paneList
			m.filter.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		m.refreshConversations()
		return m, cmd

	case paneChat:
		switch msg.String() {
		case "esc", "tab":
			m.focus = paneList
			m.showChat = false
			m.input.Blur()
			return m, nil
		case "enter":
			content := m.input.Value()
			if strings.TrimSpace(content) == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.send(content)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.history, cmd = m.history.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.convs)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.convs) {
			return m, m.open(m.convs[m.cursor].ID)
		}
	case "tab":
		if m.ws.inbox.Stream.Selected() != "" {
			m.focus = paneChat
			m.showChat = true
			return m, m.input.Focus()
		}
	case "/":
		m.focus = paneFilter
		return m, m.filter.Focus()
	case "r":
		return m, m.refresh()
	case "x":
		if active := m.ws.inbox.Notices.Active(); len(active) > 0 {
			m.ws.inbox.Notices.Dismiss(active[0].ID)
		}
	}
	return m, nil
}

// ============================================================================
// Commands
// ============================================================================

func (m *chatModel) open(conversationID string) tea.Cmd {
	ctx, stream := m.ctx, m.ws.inbox.Stream
	return func() tea.Msg {
		return opDoneMsg{op: "open", err: stream.Select(ctx, conversationID)}
	}
}

func (m *chatModel) send(content string) tea.Cmd {
	ctx, stream := m.ctx, m.ws.inbox.Stream
	return func() tea.Msg {
		_, err := stream.Send(ctx, content)
		return sendDoneMsg{err: err}
	}
}

func (m *chatModel) refresh() tea.Cmd {
	ctx, convs := m.ctx, m.ws.inbox.Conversations
	return func() tea.Msg {
		return opDoneMsg{op: "refresh", err: convs.Refresh(ctx)}
	}
}

// ============================================================================
// State
// ============================================================================

func (m *chatModel) refreshConversations() {
	m.convs = m.ws.inbox.Conversations.Filter(m.filter.Value())
	if m.cursor >= len(m.convs) {
		m.cursor = max(0, len(m.convs)-1)
	}
}

func (m *chatModel) refreshHistory() {
	msgs := m.ws.inbox.Stream.Messages()
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		line := formatMessage(m.ws, msg)
		if msg.IsPending() {
			line = mutedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 && m.ws.inbox.Stream.Loading() {
		lines = append(lines, mutedStyle.Render("Loading..."))
	}
	m.history.SetContent(lipgloss.NewStyle().Width(m.history.Width).Render(strings.Join(lines, "\n")))
	m.history.GotoBottom()
}

func (m *chatModel) narrow() bool {
	return m.width < narrowWidth
}

func (m *chatModel) resize() {
	chatWidth := m.width - listWidth - 4
	if m.narrow() {
		chatWidth = m.width - 2
	}
	// header, notices, footer and the pane borders
	bodyHeight := max(3, m.height-6)
	m.history.Width = max(10, chatWidth)
	m.history.Height = max(1, bodyHeight-2)
	m.input.Width = max(10, chatWidth-4)
	m.filter.Width = max(10, listWidth-4)
	m.refreshHistory()
}

// ============================================================================
// View
// ============================================================================

func (m *chatModel) View() string {
	header := m.renderHeader()
	var body string
	switch {
	case m.narrow() && m.showChat:
		body = m.renderChat(m.width - 2)
	case m.narrow():
		body = m.renderList(m.width - 2)
	default:
		body = lipgloss.JoinHorizontal(lipgloss.Top,
			m.renderList(listWidth),
			m.renderChat(m.width-listWidth-4))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderNotices(), m.renderFooter())
}

func (m *chatModel) renderHeader() string {
	name := m.ws.userID()
	if p := m.ws.inbox.Session.Profile(); p != nil && p.DisplayName != "" {
		name = p.DisplayName
	}
	parts := []string{titleStyle.Render("staffline"), name, string(m.state)}
	if n := m.ws.inbox.Conversations.UnreadTotal(); n > 0 {
		parts = append(parts, unreadStyle.Render(fmt.Sprintf("%d unread", n)))
	}
	return strings.Join(parts, mutedStyle.Render(" · "))
}

func (m *chatModel) renderList(width int) string {
	selected := m.ws.inbox.Stream.Selected()
	me := m.ws.userID()
	lines := []string{m.filter.View()}
	if len(m.convs) == 0 {
		lines = append(lines, mutedStyle.Render("No conversations."))
	}
	for i, c := range m.convs {
		other := c.Other(me)
		name := valueOrDefault(other.DisplayName, other.UserID)
		marker := "  "
		if i == m.cursor {
			marker = cursorStyle.Render("› ")
		}
		if c.ID == selected {
			name = titleStyle.Render(name)
		}
		line := marker + name
		if c.UnreadCount > 0 {
			line += " " + unreadStyle.Render(fmt.Sprintf("(%d)", c.UnreadCount))
		}
		lines = append(lines, line)
		if c.LastMessage != nil {
			lines = append(lines, "  "+mutedStyle.Render(truncate(c.LastMessage.Content, max(8, width-4))))
		}
	}
	style := boxStyle
	if m.focus != paneChat {
		style = focusedStyle
	}
	return style.Width(width).Height(max(3, m.height-6)).Render(strings.Join(lines, "\n"))
}

func (m *chatModel) renderChat(width int) string {
	title := mutedStyle.Render("Select a conversation")
	if id := m.ws.inbox.Stream.Selected(); id != "" {
		title = id
		if c, ok := m.ws.inbox.Conversations.Get(id); ok {
			other := c.Other(m.ws.userID())
			title = valueOrDefault(other.DisplayName, other.UserID)
		}
		title = titleStyle.Render(title)
	}
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.history.View(), m.input.View())
	style := boxStyle
	if m.focus == paneChat {
		style = focusedStyle
	}
	return style.Width(width).Render(content)
}

func (m *chatModel) renderNotices() string {
	active := m.ws.inbox.Notices.Active()
	if len(active) == 0 {
		return m.status
	}
	latest := active[len(active)-1]
	line := noticeStyle.Render(fmt.Sprintf("! %s", latest.Message))
	if len(active) > 1 {
		line += mutedStyle.Render(fmt.Sprintf(" (+%d more)", len(active)-1))
	}
	if m.status != "" {
		line = m.status + "  " + line
	}
	return line
}

func (m *chatModel) renderFooter() string {
	var help string
	switch m.focus {
	case paneFilter:
		help = "type to filter · enter/esc done"
	case paneChat:
		help = "enter send · pgup/pgdown scroll · esc back · ctrl+c quit"
	default:
		help = "↑/↓ move · enter open · tab chat · / filter · r refresh · x dismiss notice · q quit"
	}
	return mutedStyle.Render(help)
}
