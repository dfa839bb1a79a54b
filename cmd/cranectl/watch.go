package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	crprogress "github.com/crane-dl/crane/internal/progress"
)

var (
	watchHelpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	watchDoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	watchErrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Live progress view for one download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type sampleMsg crprogress.DownloadProgress
type streamErrMsg struct{ err error }
type streamDoneMsg struct{}

type watchModel struct {
	id       string
	bar      progress.Model
	spinner  spinner.Model
	sample   crprogress.DownloadProgress
	haveSamp bool
	done     bool
	err      error
}

func newWatchModel(id string) watchModel {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(50))
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return watchModel{id: id, bar: bar, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	case sampleMsg:
		m.sample = crprogress.DownloadProgress(msg)
		m.haveSamp = true
		var cmd tea.Cmd
		if m.sample.Total > 0 {
			cmd = m.bar.SetPercent(float64(m.sample.Downloaded) / float64(m.sample.Total))
		}
		return m, cmd
	case streamErrMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	case streamDoneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("\n  %s %v\n\n", watchErrStyle.Render("✗"), m.err)
	}
	if m.done {
		return fmt.Sprintf("\n  %s download %s reached a terminal state\n\n", watchDoneStyle.Render("✓"), m.id)
	}
	if !m.haveSamp {
		return fmt.Sprintf("\n  %s waiting for progress…\n\n", m.spinner.View())
	}
	eta := "?"
	if m.sample.ETASeconds >= 0 {
		eta = time.Duration(m.sample.ETASeconds * float64(time.Second)).Round(time.Second).String()
	}
	return fmt.Sprintf("\n  %s\n  %s / %s  %s/s  ETA %s\n\n%s\n",
		watchHelpStyle.Render(m.id),
		formatSize(m.sample.Downloaded), totalSizeLabel(m.sample.Total),
		formatSize(int64(m.sample.SpeedBps)), eta,
		m.bar.View(),
	)
}

func totalSizeLabel(total int64) string {
	if total < 0 {
		return "?"
	}
	return formatSize(total)
}

func runWatch(id string) error {
	c := newClientFromFlags()
	model := newWatchModel(id)
	program := tea.NewProgram(model)

	go streamProgress(context.Background(), c, id, program)

	_, err := program.Run()
	return err
}

// streamProgress reads spec.md §6's subscribe_progress server-sent-event
// stream and feeds each sample into the bubbletea program, grounded on the
// same downloaded/total/speed tuple the teacher's downloadModel polls from
// a local downloadState (internal/core/downloader/progress.go), here
// arriving over the wire instead of a shared-memory struct.
func streamProgress(ctx context.Context, c *client, id string, program *tea.Program) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.progressURL(id), nil)
	if err != nil {
		program.Send(streamErrMsg{err})
		return
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		program.Send(streamErrMsg{err})
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var sample crprogress.DownloadProgress
		if err := json.Unmarshal([]byte(payload), &sample); err != nil {
			continue
		}
		program.Send(sampleMsg(sample))
	}
	program.Send(streamDoneMsg{})
}
