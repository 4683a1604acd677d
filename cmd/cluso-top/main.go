package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	shardBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(2)

	tableBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			MarginLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true).
			MarginLeft(2)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Refresh  key.Binding
	StepDown key.Binding
	Resume   key.Binding
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	StepDown: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "step down"),
	),
	Resume: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "resume apply"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.StepDown, k.Resume, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Refresh, k.StepDown, k.Resume},
		{k.Quit},
	}
}

type model struct {
	client     *adminClient
	interval   time.Duration
	peerTable  table.Model
	help       help.Model
	keys       keyMap
	width      int
	status     *cluster.Status
	lastPoll   time.Time
	message    string
	messageErr bool
}

type tickMsg time.Time

type statusMsg struct {
	status cluster.Status
	err    error
}

type actionMsg struct {
	what string
	err  error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		st, err := m.client.status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m model) actionCmd(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return actionMsg{what: what, err: fn(ctx)}
	}
}

var peerColumns = []table.Column{
	{Title: "Peer", Width: 6},
	{Title: "Shard", Width: 6},
	{Title: "Address", Width: 22},
	{Title: "State", Width: 10},
	{Title: "RTT", Width: 10},
	{Title: "Deadline", Width: 10},
	{Title: "Log", Width: 12},
	{Title: "Match", Width: 8},
}

func initialModel(client *adminClient, interval time.Duration) model {
	t := table.New(
		table.WithColumns(peerColumns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return model{
		client:    client,
		interval:  interval,
		peerTable: t,
		help:      help.New(),
		keys:      keys,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.interval))

	case statusMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.message, m.messageErr = msg.err.Error(), true
			return m, nil
		}
		st := msg.status
		m.status = &st
		m.peerTable.SetRows(peerRows(st))
		if m.messageErr {
			m.message = ""
		}

	case actionMsg:
		if msg.err != nil {
			m.message, m.messageErr = fmt.Sprintf("%s failed: %v", msg.what, msg.err), true
		} else {
			m.message, m.messageErr = msg.what+" done", false
		}
		return m, m.fetchCmd()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetchCmd()
		case key.Matches(msg, m.keys.StepDown):
			if m.status == nil {
				return m, nil
			}
			shard := m.status.Shard.ID
			return m, m.actionCmd("step down", func(ctx context.Context) error {
				return m.client.stepDown(ctx, shard)
			})
		case key.Matches(msg, m.keys.Resume):
			return m, m.actionCmd("resume apply", m.client.resumeApply)
		}
	}

	var cmd tea.Cmd
	m.peerTable, cmd = m.peerTable.Update(msg)
	return m, cmd
}

// peerRows renders the registry sorted by shard then peer id
func peerRows(st cluster.Status) []table.Row {
	peers := append([]cluster.PeerSnapshot(nil), st.Peers...)
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Shard != peers[j].Shard {
			return peers[i].Shard < peers[j].Shard
		}
		return peers[i].ID < peers[j].ID
	})

	rows := make([]table.Row, 0, len(peers))
	for _, p := range peers {
		id := strconv.FormatUint(uint64(p.ID), 10)
		if leader, ok := st.Leaders[p.Shard]; ok && leader == p.ID {
			id += "*"
		}
		match := "-"
		if p.NextIndex != 0 {
			match = strconv.FormatUint(p.MatchIndex, 10)
		}
		rtt := "-"
		if p.RTTSamples > 0 {
			rtt = p.RTTMean.Round(100 * time.Microsecond).String()
		}
		rows = append(rows, table.Row{
			id,
			strconv.FormatUint(uint64(p.Shard), 10),
			p.Addr,
			p.State,
			rtt,
			p.Deadline.Round(time.Millisecond).String(),
			fmt.Sprintf("%d/%d", p.LastLogIndex, p.LastLogTerm),
			match,
		})
	}
	return rows
}

func renderShard(st cluster.Status) string {
	sh := st.Shard
	leader := "none"
	if sh.Leader != 0 {
		leader = strconv.FormatUint(uint64(sh.Leader), 10)
	}
	lines := []string{
		fmt.Sprintf("Peer %d  shard %d  %s", st.Self, sh.ID, strings.ToUpper(sh.Role)),
		fmt.Sprintf("Term:     %d   Leader: %s", sh.Term, leader),
		fmt.Sprintf("Log:      last %d (term %d)  commit %d  applied %d", sh.LastIndex, sh.LastTerm, sh.CommitIndex, sh.LastApplied),
		fmt.Sprintf("Voters:   %d   quorum %d   healthy %d", sh.Voters, sh.Quorum, sh.Healthy),
	}
	if sh.ApplyError != "" {
		lines = append(lines, errorStyle.UnsetMarginLeft().Render("Apply halted: "+sh.ApplyError))
	}
	return shardBoxStyle.Render(strings.Join(lines, "\n"))
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Cluso cluster - " + m.client.base))
	s.WriteString("\n\n")

	if m.status == nil {
		s.WriteString("  Waiting for first status...")
	} else {
		s.WriteString(renderShard(*m.status))
		s.WriteString("\n")
		s.WriteString(tableBoxStyle.Render(m.peerTable.View()))
		s.WriteString(fmt.Sprintf("\n  polled %s ago", time.Since(m.lastPoll).Round(time.Second)))
	}

	if m.message != "" {
		s.WriteString("\n\n")
		if m.messageErr {
			s.WriteString(errorStyle.Render("✗ " + m.message))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.message))
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}

func main() {
	addr := flag.String("admin", "127.0.0.1:7070", "Admin address of the node to watch")
	interval := flag.Duration("interval", time.Second, "Poll interval")
	flag.Parse()

	p := tea.NewProgram(initialModel(newAdminClient(*addr, *interval), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cluso-top: %v\n", err)
		os.Exit(1)
	}
}
