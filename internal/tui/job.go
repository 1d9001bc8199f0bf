// Package tui renders a running backup or restore in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// JobFunc runs one job, reporting progress through the sink.
type JobFunc func(ctx context.Context, progress model.ProgressSink) (control.JobResult, error)

// ProgressMsg carries one progress message from the running job.
type ProgressMsg string

// ResultMsg is delivered once when the job returns.
type ResultMsg struct {
	Result control.JobResult
	Err    error
}

// maxLines bounds the visible progress history.
const maxLines = 8

// JobModel shows a spinner, the latest progress messages and the final outcome.
type JobModel struct {
	title      string
	spinner    spinner.Model
	keys       KeyMap
	lines      []string
	cancel     context.CancelFunc
	cancelling bool

	done   bool
	result control.JobResult
	err    error
}

// NewJobModel builds the model. cancel is called when the user asks to stop.
func NewJobModel(title string, cancel context.CancelFunc) JobModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = progressStyle
	return JobModel{
		title:   title,
		spinner: sp,
		keys:    DefaultKeyMap(),
		cancel:  cancel,
	}
}

func (m JobModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m JobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.done {
			return m, tea.Quit
		}
		if key.Matches(msg, m.keys.Cancel) || key.Matches(msg, m.keys.ForceQuit) {
			if !m.cancelling && m.cancel != nil {
				m.cancel()
			}
			m.cancelling = true
		}
		return m, nil

	case ProgressMsg:
		m.lines = append(m.lines, string(msg))
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		return m, nil

	case ResultMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m JobModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	for i, line := range m.lines {
		if i == len(m.lines)-1 && !m.done {
			fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), line)
			continue
		}
		b.WriteString(progressStyle.Render("  " + line))
		b.WriteString("\n")
	}
	if len(m.lines) == 0 && !m.done {
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), "Starting...")
	}

	switch {
	case m.done && m.err != nil:
		b.WriteString("\n" + outcomeStyle("failure").Render("error") + " " + m.err.Error() + "\n")
	case m.done:
		b.WriteString("\n" + outcomeStyle(m.result.Outcome).Render(m.result.Outcome))
		if m.result.Message != "" {
			b.WriteString(" " + m.result.Message)
		}
		b.WriteString("\n")
	case m.cancelling:
		b.WriteString("\n" + helpStyle.Render("cancelling...") + "\n")
	default:
		b.WriteString("\n" + helpStyle.Render(m.keys.Cancel.Help().Key+" "+m.keys.Cancel.Help().Desc) + "\n")
	}
	return b.String()
}

// Result returns the job result and whether the job has finished.
func (m JobModel) Result() (control.JobResult, bool) {
	return m.result, m.done
}

// Err returns the error the job finished with.
func (m JobModel) Err() error { return m.err }

// RunJob runs fn while rendering its progress. It returns when fn returns.
func RunJob(ctx context.Context, title string, fn JobFunc, opts ...tea.ProgramOption) (control.JobResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewJobModel(title, cancel), opts...)
	go func() {
		res, err := fn(ctx, func(msg string) { p.Send(ProgressMsg(msg)) })
		p.Send(ResultMsg{Result: res, Err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return control.JobResult{}, fmt.Errorf("tui: %w", err)
	}
	jm := final.(JobModel)
	res, done := jm.Result()
	if !done {
		return control.JobResult{}, fmt.Errorf("tui: program exited before the job finished")
	}
	return res, jm.Err()
}
