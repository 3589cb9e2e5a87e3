// Package tui renders live callscope statistics in the terminal.
package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/callscope/callscope/internal/config"
	"github.com/callscope/callscope/internal/flow"
	"github.com/callscope/callscope/internal/ledger"
)

type ViewState int

const (
	ViewFunctions ViewState = iota
	ViewAPIs
	ViewFlow
)

type tickMsg time.Time

// StatsProvider feeds the functions and APIs views.
type StatsProvider interface {
	SlowestFunctions(limit int) []ledger.FunctionSnapshot
	SlowestAPIs(limit int) []ledger.APISnapshot
	Recommendations() []string
}

// FlowProvider feeds the flow view.
type FlowProvider interface {
	Analyze() flow.Analysis
}

// ActivityProvider feeds the in-flight call panel.
type ActivityProvider interface {
	ActiveCalls() map[string]ledger.ActiveCall
	Clear()
}

type Model struct {
	view     ViewState
	width    int
	height   int
	keys     KeyMap
	quitting bool

	cfg config.Config

	stats    StatsProvider
	flow     FlowProvider
	activity ActivityProvider

	scrollPos int

	// Snapshots cached on tick so View stays cheap.
	functions       []ledger.FunctionSnapshot
	apis            []ledger.APISnapshot
	active          []ledger.ActiveCall
	analysis        flow.Analysis
	recommendations []string

	refreshRate time.Duration
}

func NewModel(cfg config.Config, opts ...ModelOption) Model {
	m := Model{
		view:        ViewFunctions,
		keys:        DefaultKeyMap(),
		cfg:         cfg,
		refreshRate: time.Duration(cfg.Display.RefreshRateMS) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

type ModelOption func(*Model)

func WithStatsProvider(s StatsProvider) ModelOption {
	return func(m *Model) { m.stats = s }
}

func WithFlowProvider(f FlowProvider) ModelOption {
	return func(m *Model) { m.flow = f }
}

func WithActivityProvider(a ActivityProvider) ModelOption {
	return func(m *Model) { m.activity = a }
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return tickMsg(time.Now()) },
		m.tickCmd(),
	)
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refreshSnapshots()
		return m, m.tickCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) refreshSnapshots() {
	if m.stats != nil {
		m.functions = m.stats.SlowestFunctions(rowLimit)
		m.apis = m.stats.SlowestAPIs(rowLimit)
		m.recommendations = m.stats.Recommendations()
	}
	if m.activity != nil {
		calls := m.activity.ActiveCalls()
		m.active = make([]ledger.ActiveCall, 0, len(calls))
		for _, c := range calls {
			m.active = append(m.active, c)
		}
		sort.Slice(m.active, func(i, j int) bool {
			return m.active[i].StartedAt.Before(m.active[j].StartedAt)
		})
	}
	if m.flow != nil {
		m.analysis = m.flow.Analyze()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Tab):
		switch m.view {
		case ViewFunctions:
			m.view = ViewAPIs
		case ViewAPIs:
			m.view = ViewFlow
		default:
			m.view = ViewFunctions
		}
		m.scrollPos = 0
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.scrollPos > 0 {
			m.scrollPos--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.scrollPos++
		return m, nil

	case key.Matches(msg, m.keys.Clear):
		if m.activity != nil {
			m.activity.Clear()
			m.refreshSnapshots()
		}
		return m, nil
	}

	return m, nil
}
