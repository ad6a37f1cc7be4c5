package cli

import (
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/report"
)

const pollInterval = time.Second

// tickMsg triggers re-reading the checkpoint file.
type tickMsg time.Time

// summaryMsg carries a freshly derived summary.
type summaryMsg struct {
	summary report.Summary
	err     error
}

// watchModel is the bubbletea model for the live progress view.
type watchModel struct {
	ckptPath string
	total    int
	summary  report.Summary
	loaded   bool
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newWatchModel(ckptPath string, total int) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		ckptPath: ckptPath,
		total:    total,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts polling.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.readCheckpoint()

	case summaryMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to read checkpoint: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.summary = msg.summary
		m.loaded = true

		switch m.summary.Status {
		case checkpoint.StatusCompleted:
			m.done = true
			return m, tea.Quit
		case checkpoint.StatusFailed:
			m.done = true
			m.err = fmt.Errorf("run failed; see the session log")
			return m, tea.Quit
		}

		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if !m.loaded {
		return "Loading checkpoint...\n"
	}

	s := m.summary
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", s.Status))
	bar := m.progress.ViewAs(s.Percent / 100)
	counts := fmt.Sprintf("%d/%d names", s.Processed, s.TotalRecords)
	if s.Errors > 0 {
		counts += m.theme.errorStyle().Render(fmt.Sprintf(" (%d failed)", s.Errors))
	}

	line2 := ""
	if s.ETA > 0 {
		line2 = m.theme.hintStyle().Render(fmt.Sprintf("%.0f/min, ETA %s", s.PerMinute, s.ETA.Round(time.Minute)))
	}
	hint := m.theme.hintStyle().Render("Press q to stop watching (the run keeps going)")

	return fmt.Sprintf("%s %s %s\n%s\n%s\n", status, bar, counts, line2, hint)
}

func (m watchModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nStopped watching. Use 'nameforge status' to check again.\n")
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	s := m.summary
	out := m.theme.completedStyle().Render("✓ Completed") + "\n\n"
	out += fmt.Sprintf("  Names enriched: %d\n", s.Processed)
	if s.Errors > 0 {
		out += m.theme.errorStyle().Render(fmt.Sprintf("  Failed:         %d\n", s.Errors))
	}
	return out
}

// readCheckpoint loads the checkpoint off the Update goroutine.
func (m watchModel) readCheckpoint() tea.Cmd {
	return func() tea.Msg {
		cp, err := checkpoint.NewStore(m.ckptPath).Load()
		if err != nil {
			return summaryMsg{err: err}
		}
		return summaryMsg{summary: report.Summarize(cp, m.total, time.Now())}
	}
}

// tickCmd sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runWatch runs the interactive progress view until the run reaches a
// terminal state or the user quits.
func runWatch(ckptPath string, total int) error {
	model := newWatchModel(ckptPath, total)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
