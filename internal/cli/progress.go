package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/workflow"
)

const pollInterval = 2 * time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers a reconciliation poll.
type tickMsg time.Time

// channelRevivedMsg clears the lost-channel banner once the tracker is back.
type channelRevivedMsg struct{}

// realtimeChannel is the slice of the tracker the watch UI drives.
type realtimeChannel interface {
	HandleFocus(ctx context.Context)
	Connected() bool
}

// pipelineDoneMsg ends the UI when the blocking pipeline call returns.
type pipelineDoneMsg struct {
	report *api.ProcessReport
	err    error
}

// stage labels in pipeline order.
var stageLabels = map[workflow.Stage]string{
	workflow.StageDataIngestion:      "Data ingestion",
	workflow.StageTextChunking:       "Text chunking",
	workflow.StageGenerateEmbeddings: "Embeddings",
	workflow.StageStoreVectors:       "Vector storage",
}

// pipelineModel is the bubbletea model for the ingestion pipeline.
type pipelineModel struct {
	engine   *workflow.Engine
	rt       realtimeChannel
	task     *api.Task
	stages   workflow.StageMap
	progress progress.Model
	theme    Theme
	logTail  []string
	connLost bool
	done     bool
	quitting bool
	report   *api.ProcessReport
	err      error
}

func newPipelineModel(engine *workflow.Engine, rt realtimeChannel) pipelineModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return pipelineModel{
		engine:   engine,
		rt:       rt,
		task:     engine.ActiveTask(),
		stages:   engine.Stages(),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m pipelineModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m pipelineModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.FocusMsg:
		// Terminal regained focus; reconcile and revive a dead channel.
		return m, m.refocus()

	case tickMsg:
		// Realtime delivery is best-effort; re-pull over REST as backstop.
		cmds := []tea.Cmd{m.reconcile(), tickCmd()}
		if m.connLost {
			cmds = append(cmds, m.refocus())
		}
		return m, tea.Batch(cmds...)

	case channelRevivedMsg:
		m.connLost = false
		return m, nil

	case taskUpdateMsg:
		m.task = msg.task
		m.stages = msg.stages
		m.logTail = tail(m.engine.Logs(), 5)
		if m.task != nil && m.task.Status.Terminal() {
			// Keep the UI open; pipelineDoneMsg carries the verdict.
			return m, nil
		}
		return m, nil

	case connLostMsg:
		m.connLost = true
		return m, nil

	case pipelineDoneMsg:
		m.done = true
		m.report = msg.report
		m.err = msg.err
		m.stages = m.engine.Stages()
		m.logTail = tail(m.engine.Logs(), 5)
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m pipelineModel) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.ReportFocus = true
	return v
}

func (m pipelineModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	var b strings.Builder
	for _, stage := range workflow.Stages {
		b.WriteString(fmt.Sprintf("  %s %s\n", m.stageMark(m.stages[stage]), stageLabels[stage]))
	}

	var pct float64
	if m.task != nil {
		pct = float64(m.task.Progress) / 100
	}
	b.WriteString("\n" + m.progress.ViewAs(pct) + "\n")

	for _, line := range m.logTail {
		b.WriteString(m.theme.hintStyle().Render("  "+line) + "\n")
	}
	if m.connLost {
		b.WriteString(m.theme.errorStyle().Render("  realtime channel lost, polling instead") + "\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to continue in background") + "\n")
	return b.String()
}

func (m pipelineModel) stageMark(status workflow.StageStatus) string {
	switch status {
	case workflow.StageCompleted:
		return m.theme.completedStyle().Render("✓")
	case workflow.StageInProgress:
		return m.theme.statusStyle().Render("…")
	case workflow.StageFailed:
		return m.theme.errorStyle().Render("✗")
	default:
		return m.theme.hintStyle().Render("·")
	}
}

// finalView renders the completion message.
func (m pipelineModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render(
			"\nProcessing continues on the server.\nUse 'themectl status' to check progress.\n")
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Processing failed: %s\n", m.err))
	}
	if m.report != nil {
		s := m.report.Summary
		var output string
		output += m.theme.completedStyle().Render("✓ Completed") + "\n\n"
		output += fmt.Sprintf("  Files processed:  %d/%d\n", s.Successful, s.TotalFiles)
		output += fmt.Sprintf("  Chunks created:   %d\n", s.TotalChunks)
		output += fmt.Sprintf("  Embeddings:       %d\n", s.TotalEmbeddings)
		if s.Failed > 0 {
			output += m.theme.errorStyle().Render(fmt.Sprintf("  Failed files:     %d\n", s.Failed))
		}
		for _, rec := range m.report.Recommendations {
			output += m.theme.hintStyle().Render("  • "+rec) + "\n"
		}
		return output
	}
	return m.theme.completedStyle().Render("✓ Completed\n")
}

// reconcile re-pulls the authoritative task state off the UI loop.
func (m pipelineModel) reconcile() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.engine.RefreshActiveTask(ctx)
		return nil
	}
}

// refocus runs the tracker's focus reconciliation off the UI loop. It
// re-pulls the active task and hands a dead connection a fresh budget.
func (m pipelineModel) refocus() tea.Cmd {
	rt := m.rt
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.HandleFocus(ctx)
		if rt.Connected() {
			return channelRevivedMsg{}
		}
		return nil
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// runPipelineUI shows the live pipeline view while fn runs in the
// background. Engine updates reach the model through the notifier.
func runPipelineUI(notifier *terminalNotifier, engine *workflow.Engine, rt realtimeChannel, fn func() (*api.ProcessReport, error)) error {
	model := newPipelineModel(engine, rt)
	p := tea.NewProgram(model)

	notifier.attach(p)
	defer notifier.detach()

	go func() {
		report, err := fn()
		p.Send(pipelineDoneMsg{report: report, err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(pipelineModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
