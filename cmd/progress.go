package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxRecentResults is how many finished mappings the TUI lists
const maxRecentResults = 5

type progressModel struct {
	mappings        []*reconcile.TableMapping
	totals          map[*reconcile.TableMapping]int64
	running         map[*reconcile.TableMapping]*runningMapping
	results         []reconcile.Result
	messages        []string
	completed       int
	problems        int64
	failed          int
	overallProgress progress.Model
	currentProgress progress.Model
	currentSpinner  spinner.Model
	width           int
	height          int
	startTime       time.Time
	done            bool
	cancelled       bool
	cancel          context.CancelFunc
	taskInfo        *TaskInfo
}

type runningMapping struct {
	started time.Time
	stats   reconcile.Stats
}

type mappingStartedMsg struct {
	mapping *reconcile.TableMapping
}

type chunkProcessedMsg struct {
	mapping *reconcile.TableMapping
	stats   reconcile.Stats
}

type mappingDoneMsg struct {
	result reconcile.Result
}

type checkDoneMsg struct{}

type messageMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 2).
			MarginLeft(3)
)

func newProgressModel(mappings []*reconcile.TableMapping, totals map[*reconcile.TableMapping]int64, cancel context.CancelFunc, taskInfo *TaskInfo) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	if totals == nil {
		totals = make(map[*reconcile.TableMapping]int64)
	}

	return progressModel{
		mappings: mappings,
		totals:   totals,
		running:  make(map[*reconcile.TableMapping]*runningMapping),
		currentProgress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		overallProgress: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithWidth(60),
		),
		currentSpinner: s,
		startTime:      time.Now(),
		cancel:         cancel,
		taskInfo:       taskInfo,
	}
}

// updateTaskInfo mirrors the model into the task info file read by `status`
func (m *progressModel) updateTaskInfo() {
	if m.taskInfo == nil {
		return
	}
	m.taskInfo.TotalMappings = len(m.mappings)
	m.taskInfo.CompletedMappings = m.completed
	m.taskInfo.Problems = m.problems
	if len(m.mappings) > 0 {
		m.taskInfo.Progress = float64(m.completed) / float64(len(m.mappings))
	}

	names := make([]string, 0, len(m.running))
	for mapping := range m.running {
		names = append(names, mapping.Name())
	}
	sort.Strings(names)
	m.taskInfo.CurrentMapping = strings.Join(names, ", ")
	m.taskInfo.CurrentTask = fmt.Sprintf("Checking %d/%d mappings", m.completed, len(m.mappings))
	_ = WriteTaskInfo(m.taskInfo)
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.currentSpinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.currentSpinner, cmd = m.currentSpinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case mappingStartedMsg:
		m.running[msg.mapping] = &runningMapping{started: time.Now()}
		m.updateTaskInfo()
		return m, nil
	case chunkProcessedMsg:
		if r, ok := m.running[msg.mapping]; ok {
			r.stats = msg.stats
		}
		return m, nil
	case mappingDoneMsg:
		return m.handleMappingDoneMsg(msg)
	case messageMsg:
		m.addMessage(string(msg))
		return m, nil
	case checkDoneMsg:
		m.done = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, nil
}

func (m *progressModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > 10 {
		m.messages = m.messages[len(m.messages)-10:]
	}
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		m.cancelled = true
		m.done = true
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.overallProgress.Width = msg.Width - 10
	m.currentProgress.Width = (msg.Width - 10) / 2
	return m, nil
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	overallModel, cmd := m.overallProgress.Update(msg)
	if om, ok := overallModel.(progress.Model); ok {
		m.overallProgress = om
	}
	return m, cmd
}

func (m progressModel) handleMappingDoneMsg(msg mappingDoneMsg) (tea.Model, tea.Cmd) {
	r := msg.result
	delete(m.running, r.Mapping)
	m.completed++
	m.problems += r.Stats.Missing
	if r.Failed() {
		m.failed++
	}
	m.results = append(m.results, r)
	if len(m.results) > maxRecentResults {
		m.results = m.results[len(m.results)-maxRecentResults:]
	}
	m.updateTaskInfo()

	if len(m.mappings) == 0 {
		return m, nil
	}
	return m, m.overallProgress.SetPercent(float64(m.completed) / float64(len(m.mappings)))
}

func (m progressModel) renderBanner() []string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true).Render("Data Checker")
	subtitle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")).Render("source → destination reconciliation  v" + Version)
	return []string{"", bannerStyle.Render(title + "\n" + subtitle), ""}
}

func (m progressModel) renderMessages() []string {
	if len(m.messages) == 0 {
		return nil
	}
	sections := []string{helpStyle.Render("   Log:")}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) renderOverall() []string {
	var sections []string
	sections = append(sections, tableHeaderStyle.Render("   Checking Mappings"))
	sections = append(sections, "")

	overallInfo := fmt.Sprintf("   Overall: %d/%d mappings · %d missing · %d failed · %s",
		m.completed, len(m.mappings), m.problems, m.failed, time.Since(m.startTime).Round(time.Second))
	sections = append(sections, progressInfoStyle.Render(overallInfo))

	percent := 0.0
	if len(m.mappings) > 0 {
		percent = float64(m.completed) / float64(len(m.mappings))
	}
	sections = append(sections, "   "+m.overallProgress.ViewAs(percent))
	return sections
}

func (m progressModel) renderRunning() []string {
	if len(m.running) == 0 {
		return nil
	}

	ordered := make([]*reconcile.TableMapping, 0, len(m.running))
	for mapping := range m.running {
		ordered = append(ordered, mapping)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return m.running[ordered[i]].started.Before(m.running[ordered[j]].started)
	})

	sections := []string{""}
	for _, mapping := range ordered {
		r := m.running[mapping]
		line := fmt.Sprintf("   %s %s · chunk %d · %d rows · %d missing",
			m.currentSpinner.View(), mapping.Name(), r.stats.Chunks, r.stats.SourceRows, r.stats.Missing)
		sections = append(sections, stageStyle.Render(line))

		if total := m.totals[mapping]; total > 0 {
			percent := float64(r.stats.SourceRows) / float64(total)
			if percent > 1 {
				percent = 1
			}
			sections = append(sections, "     "+m.currentProgress.ViewAs(percent))
		}
	}
	return sections
}

func (m progressModel) renderResults() []string {
	if len(m.results) == 0 {
		return nil
	}

	sections := []string{"", tableHeaderStyle.Render("   Recent Results"), ""}
	for _, r := range m.results {
		var line string
		switch {
		case r.Failed():
			line = fmt.Sprintf("   ❌ %s - Error: %v", r.Mapping.Name(), r.Err)
		case r.HasProblems():
			line = fmt.Sprintf("   ⚠️  %s - %d missing of %d rows", r.Mapping.Name(), r.Stats.Missing, r.Stats.SourceRows)
		default:
			line = fmt.Sprintf("   ✅ %s - %d rows in %s", r.Mapping.Name(), r.Stats.SourceRows, r.Duration.Round(time.Millisecond))
		}
		sections = append(sections, line)
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderOverall()...)
	sections = append(sections, m.renderRunning()...)
	sections = append(sections, m.renderResults()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// progressHooks forwards runner events to a running program
func progressHooks(program *tea.Program) (func(*reconcile.TableMapping), func(reconcile.Result), func(*reconcile.TableMapping, reconcile.Stats)) {
	onStart := func(m *reconcile.TableMapping) {
		program.Send(mappingStartedMsg{mapping: m})
	}
	onResult := func(r reconcile.Result) {
		program.Send(mappingDoneMsg{result: r})
	}
	onChunk := func(m *reconcile.TableMapping, stats reconcile.Stats) {
		program.Send(chunkProcessedMsg{mapping: m, stats: stats})
	}
	return onStart, onResult, onChunk
}
