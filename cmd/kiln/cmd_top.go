package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kiln/pkg/jobs"
	"kiln/pkg/processor"
	"kiln/pkg/state"
)

const topEventLines = 8

// newTopCmd creates the "kiln top" subcommand.
func newTopCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live view of background jobs and recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}

			var events eventSource
			if store, err := a.openStore(ctx); err == nil {
				defer store.Close()
				events = store
			}

			m := newTopModel(ctx, a.jobRunner(), events, interval)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

// topJobs is the part of the job runner kiln top drives.
type topJobs interface {
	ListJobs() ([]jobs.Info, error)
	StopJob(id string) jobs.StopResult
}

// topKeys is the key map for kiln top.
type topKeys struct {
	Up      key.Binding
	Down    key.Binding
	Stop    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func defaultTopKeys() topKeys {
	return topKeys{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Stop:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop job")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k topKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Stop, k.Refresh, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k topKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// topTickMsg triggers a refresh.
type topTickMsg time.Time

// topDataMsg carries one refresh worth of data.
type topDataMsg struct {
	jobs   []jobs.Info
	events []state.Event
	err    error
}

// topStopMsg is the outcome of a stop request.
type topStopMsg jobs.StopResult

// topModel is the Bubble Tea model behind kiln top.
type topModel struct {
	ctx      context.Context
	runner   topJobs
	source   eventSource
	interval time.Duration

	theme Theme
	keys  topKeys
	help  help.Model
	table table.Model

	jobs   []jobs.Info
	events []state.Event
	notice string
	err    error
	width  int
}

func newTopModel(ctx context.Context, runner topJobs, source eventSource, interval time.Duration) topModel {
	theme := DefaultTheme()
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 36},
			{Title: "MODE", Width: 14},
			{Title: "NUMBER", Width: 7},
			{Title: "STATUS", Width: 10},
			{Title: "DURATION", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Secondary)
	styles.Selected = styles.Selected.Foreground(theme.Primary).Bold(true)
	t.SetStyles(styles)

	return topModel{
		ctx:      ctx,
		runner:   runner,
		source:   source,
		interval: interval,
		theme:    theme,
		keys:     defaultTopKeys(),
		help:     help.New(),
		table:    t,
	}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return topTickMsg(t)
	})
}

func (m topModel) fetch() tea.Cmd {
	return func() tea.Msg {
		var msg topDataMsg
		msg.jobs, msg.err = m.runner.ListJobs()
		if m.source != nil && msg.err == nil {
			msg.events, msg.err = m.source.RecentEvents(m.ctx, topEventLines, 0)
		}
		return msg
	}
}

// Init implements tea.Model.
func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

// Update implements tea.Model.
func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, m.keys.Stop):
			return m, m.stopSelected()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case topTickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case topDataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.jobs, m.events = msg.jobs, msg.events
			m.table.SetRows(jobRows(m.jobs))
		}
		return m, nil

	case topStopMsg:
		m.notice = msg.Message
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// stopSelected stops the highlighted job if it is running.
func (m topModel) stopSelected() tea.Cmd {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.jobs) || m.jobs[i].Status != jobs.StateRunning {
		return nil
	}
	id := m.jobs[i].JobID
	return func() tea.Msg {
		return topStopMsg(m.runner.StopJob(id))
	}
}

func jobRows(list []jobs.Info) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, j := range list {
		rows = append(rows, table.Row{
			j.JobID, j.Mode, j.Args[processor.ArgNumber], string(j.Status), jobDuration(j.Meta),
		})
	}
	return rows
}

// View implements tea.Model.
func (m topModel) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("kiln top")
	running := 0
	for _, j := range m.jobs {
		if j.Status == jobs.StateRunning {
			running++
		}
	}
	counts := lipgloss.NewStyle().Foreground(m.theme.Muted).
		Render(fmt.Sprintf("%d jobs, %d running", len(m.jobs), running))
	b.WriteString(title + "  " + counts + "\n\n")

	b.WriteString(m.table.View() + "\n\n")

	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(m.theme.Secondary).Render("events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("  none") + "\n")
	}
	for i := range m.events {
		b.WriteString("  " + m.eventLine(&m.events[i]) + "\n")
	}

	if m.notice != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(m.theme.Warning).Render(m.notice) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(m.theme.Error).Render(m.err.Error()) + "\n")
	}

	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func (m topModel) eventLine(evt *state.Event) string {
	line := fmt.Sprintf("%-10s %-10s", evt.Type, evt.Source)
	if evt.Number.Valid {
		line += fmt.Sprintf(" #%d", evt.Number.Int64)
	}
	if t, err := time.Parse(time.RFC3339Nano, evt.CreatedAt); err == nil {
		line = lipgloss.NewStyle().Foreground(m.theme.Muted).Render(t.Local().Format(time.TimeOnly)) + " " + line
	}
	return line
}
