package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/events"
	api "github.com/fyrsmithlabs/archivist/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	listLimit       = 10
	fetchTimeout    = 5 * time.Second
)

// Source supplies job snapshots. *client.Client implements it.
type Source interface {
	Job(ctx context.Context, id string) (*api.JobResponse, error)
	Jobs(ctx context.Context, limit, offset int) (*api.JobListResponse, error)
}

// Options configures the dashboard.
type Options struct {
	// JobID focuses the dashboard on one job. Empty lists recent jobs.
	JobID string
	// Interval between polls.
	Interval time.Duration
	// Events, when set, applies pushed job events between polls.
	Events <-chan events.Event
	// ExitOnDone quits once the focused job reaches a terminal status.
	ExitOnDone bool
}

// Model is the BubbleTea job dashboard.
type Model struct {
	source Source
	opts   Options

	jobs       []api.JobResponse
	lastUpdate time.Time
	err        error
	quitting   bool
	done       bool

	bar progress.Model

	// Throughput of the focused job, in messages per second.
	rateHistory []float64
	lastParsed  int
	lastSample  time.Time
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard reading from source.
func NewModel(source Source, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return Model{
		source: source,
		opts:   opts,
		bar: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		rateHistory: make([]float64, 0, historySize),
	}
}

// Job returns the latest snapshot of the focused job, or nil.
func (m Model) Job() *api.JobResponse {
	if m.opts.JobID == "" {
		return nil
	}
	for i := range m.jobs {
		if m.jobs[i].Job != nil && m.jobs[i].ID == m.opts.JobID {
			return &m.jobs[i]
		}
	}
	return nil
}

// Err returns the last fetch error.
func (m Model) Err() error { return m.err }

// Message types
type tickMsg time.Time
type jobsMsg []api.JobResponse
type eventMsg events.Event
type errMsg struct{ err error }

// Init starts polling and, when configured, event delivery.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.opts.Interval), m.fetch(), waitForEvent(m.opts.Events))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch loads the focused job or the recent job list.
func (m Model) fetch() tea.Cmd {
	source, jobID := m.source, m.opts.JobID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		if jobID != "" {
			job, err := source.Job(ctx, jobID)
			if err != nil {
				return errMsg{err}
			}
			return jobsMsg{*job}
		}
		list, err := source.Jobs(ctx, listLimit, 0)
		if err != nil {
			return errMsg{err}
		}
		return jobsMsg(list.Jobs)
	}
}

// waitForEvent delivers the next pushed event. A nil or closed channel
// yields nothing.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(tick(m.opts.Interval), m.fetch())

	case jobsMsg:
		m.jobs = []api.JobResponse(msg)
		m.lastUpdate = time.Now()
		m.err = nil
		return m.afterUpdate()

	case eventMsg:
		m.applyEvent(events.Event(msg))
		next, cmd := m.afterUpdate()
		return next, tea.Batch(cmd, waitForEvent(m.opts.Events))

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// afterUpdate samples throughput and stops once the focused job finished.
func (m Model) afterUpdate() (tea.Model, tea.Cmd) {
	job := m.Job()
	if job == nil {
		return m, nil
	}
	now := time.Now()
	parsed := job.Counters.MessagesParsed
	if !m.lastSample.IsZero() {
		if dt := now.Sub(m.lastSample).Seconds(); dt > 0 && parsed >= m.lastParsed {
			m.rateHistory = appendToHistory(m.rateHistory, float64(parsed-m.lastParsed)/dt)
		}
	}
	m.lastParsed, m.lastSample = parsed, now

	if job.Status.Terminal() {
		m.done = true
		if m.opts.ExitOnDone {
			return m, tea.Quit
		}
	}
	return m, nil
}

// applyEvent folds a pushed event into the matching job snapshot. Events of
// unknown jobs wait for the next poll.
func (m *Model) applyEvent(ev events.Event) {
	for i := range m.jobs {
		j := m.jobs[i].Job
		if j == nil || j.ID != ev.JobID {
			continue
		}
		// Copy before mutating; snapshots may be shared with earlier models.
		updated := *j
		updated.Status = ev.Status
		if ev.Progress > updated.Progress {
			updated.Progress = ev.Progress
		}
		updated.Counters = ev.Counters
		m.jobs[i] = api.JobResponse{Job: &updated, Reason: ev.Reason}
		m.lastUpdate = ev.Timestamp
		return
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// statusBadge colors a job status.
func statusBadge(st archive.Status) string {
	switch st {
	case archive.StatusCompleted:
		return healthyStyle.Render("✓ " + string(st))
	case archive.StatusFailed:
		return errorStyle.Render("✗ " + string(st))
	case archive.StatusQueued:
		return dimStyle.Render("… " + string(st))
	default:
		return warningStyle.Render("▶ " + string(st))
	}
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil && len(m.jobs) == 0 {
		return m.renderError()
	}
	if m.opts.JobID != "" {
		return m.renderJob()
	}
	return m.renderList()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" archivist ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach archivistd") + "\n\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

func (m Model) header(title string) string {
	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Local().Format("15:04:05")
	}
	line := headerStyle.Render(" "+title+" ") + "   " + dimStyle.Render("updated "+updated)
	if m.err != nil {
		line += "   " + errorStyle.Render("⚠ "+m.err.Error())
	}
	return line + "\n"
}

func (m Model) footer() string {
	return "\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("every %v", m.opts.Interval))
}

// renderJob shows one job in detail.
func (m Model) renderJob() string {
	var b strings.Builder
	b.WriteString(m.header("archivist job " + shortID(m.opts.JobID)))

	job := m.Job()
	if job == nil {
		b.WriteString("\n" + dimStyle.Render("waiting for the first snapshot...") + "\n")
		b.WriteString(m.footer())
		return containerStyle.Render(b.String())
	}

	b.WriteString("\n" + labelStyle.Render("  File: ") + valueStyle.Render(job.Filename) +
		dimStyle.Render("  "+FormatBytes(uint64(max(job.Size, 0)))) + "\n")
	platform := job.Platform
	if platform == "" {
		platform = "detecting"
	}
	b.WriteString(labelStyle.Render("  Platform: ") + valueStyle.Render(platform) +
		"   " + statusBadge(job.Status) + "\n")
	b.WriteString(labelStyle.Render("  Progress: ") + m.bar.ViewAs(job.Progress) +
		" " + dimStyle.Render(FormatPercentage(job.Progress)) + "\n")
	if elapsed := jobElapsed(job.Job, time.Now()); elapsed > 0 {
		b.WriteString(labelStyle.Render("  Elapsed: ") + valueStyle.Render(FormatDuration(elapsed)) + "\n")
	}

	c := job.Counters
	b.WriteString("\n" + sectionStyle.Render("┃ Messages") + "\n")
	b.WriteString(labelStyle.Render("  Parsed: ") + valueStyle.Render(fmt.Sprint(c.MessagesParsed)) +
		labelStyle.Render("  Skipped: ") + valueStyle.Render(fmt.Sprint(c.MessagesSkipped)) +
		labelStyle.Render("  Conversations: ") + valueStyle.Render(fmt.Sprint(c.Conversations)) + "\n")
	rate := 0.0
	if n := len(m.rateHistory); n > 0 {
		rate = m.rateHistory[n-1]
	}
	b.WriteString(labelStyle.Render("  Rate: ") + valueStyle.Render(FormatRate(rate)) +
		"   " + createSparkline(m.rateHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Media") + "\n")
	b.WriteString(labelStyle.Render("  Referenced: ") + valueStyle.Render(fmt.Sprint(c.MediaReferenced)) +
		labelStyle.Render("  Extracted: ") + valueStyle.Render(fmt.Sprint(c.MediaExtracted)) +
		labelStyle.Render("  Deduplicated: ") + valueStyle.Render(fmt.Sprint(c.MediaDeduplicated)) + "\n")
	failed := valueStyle.Render(fmt.Sprint(c.MediaFailed))
	if c.MediaFailed > 0 {
		failed = warningStyle.Render(fmt.Sprint(c.MediaFailed))
	}
	b.WriteString(labelStyle.Render("  Failed: ") + failed +
		labelStyle.Render("  Written: ") + valueStyle.Render(FormatBytes(uint64(max(c.MediaBytesWritten, 0)))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Embeddings") + "\n")
	embedFailed := valueStyle.Render(fmt.Sprint(c.EmbeddingFailed))
	if c.EmbeddingFailed > 0 {
		embedFailed = warningStyle.Render(fmt.Sprint(c.EmbeddingFailed))
	}
	b.WriteString(labelStyle.Render("  Embedded: ") + valueStyle.Render(fmt.Sprint(c.MessagesEmbedded)) +
		labelStyle.Render("  Failed: ") + embedFailed + "\n")

	if job.Reason != nil {
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("  %s: %s", job.Reason.Kind, job.Reason.Message)) + "\n")
	}
	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

// renderList shows the owner's recent jobs.
func (m Model) renderList() string {
	var b strings.Builder
	b.WriteString(m.header("archivist jobs"))
	if len(m.jobs) == 0 {
		b.WriteString("\n" + dimStyle.Render("no archives yet") + "\n")
	}
	small := progress.New(progress.WithGradient("#00ffff", "#00ff00"), progress.WithWidth(20))
	for _, j := range m.jobs {
		if j.Job == nil {
			continue
		}
		b.WriteString("\n" + valueStyle.Render(shortID(j.ID)) + "  " +
			small.ViewAs(j.Progress) + "  " + statusBadge(j.Status) + "  " +
			labelStyle.Render(truncate(j.Filename, 32)) + "  " +
			dimStyle.Render(fmt.Sprintf("%d msgs", j.Counters.MessagesParsed)))
		if j.Reason != nil {
			b.WriteString("  " + errorStyle.Render(string(j.Reason.Kind)))
		}
	}
	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

// jobElapsed is the running time so far, or the total for finished jobs.
func jobElapsed(j *archive.Job, now time.Time) time.Duration {
	if j == nil || j.StartedAt == nil {
		return 0
	}
	end := now
	switch {
	case j.CompletedAt != nil:
		end = *j.CompletedAt
	case j.Status.Terminal():
		end = j.UpdatedAt
	}
	return end.Sub(*j.StartedAt)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
