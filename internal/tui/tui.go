// Package tui is an interactive BubbleTea client for querying a running
// encapure search.Orchestrator from a terminal, for operators who want to
// poke at the tool catalog without curling the HTTP API.
//
// Two screens: a live search screen with a debounced query box, and a
// detail screen for the tool under the cursor.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dannyavrs/encapure/internal/search"
)

// idleWindow is how long the query box must sit unchanged before a search
// fires. Kept short enough that typing feels live but long enough that a
// fast typist doesn't spawn an inference call per keystroke.
const idleWindow = 280 * time.Millisecond

// pollInterval drives the idle check; it is not tied to the spinner so the
// spinner can animate at its own, slower cadence (six frames a second).
const pollInterval = 40 * time.Millisecond

var (
	hue            = lipgloss.Color("#6FA8FF") // primary accent
	hueFaint       = lipgloss.Color("#51607A") // rails, hints
	hueQuiet       = lipgloss.Color("#8A93A6") // secondary text
	hueForeground  = lipgloss.Color("#E8E9ED")
	hueHairline    = lipgloss.Color("#33384A")
	hueRank        = lipgloss.Color("#7FE1C8") // score column
	hueAlert       = lipgloss.Color("#F2706B")
	hueOK          = lipgloss.Color("#79D88D")
	hueHighlightBG = lipgloss.Color("#1C2333")
	hueStatusBG    = lipgloss.Color("#14161F")

	styleBanner    = lipgloss.NewStyle().Bold(true).Foreground(hueForeground)
	styleAccent    = lipgloss.NewStyle().Foreground(hue)
	styleFaint     = lipgloss.NewStyle().Foreground(hueFaint)
	styleQuiet     = lipgloss.NewStyle().Foreground(hueQuiet)
	styleRank      = lipgloss.NewStyle().Foreground(hueRank).Bold(true)
	styleToolName  = lipgloss.NewStyle().Foreground(hueForeground)
	styleSummary   = lipgloss.NewStyle().Foreground(hueQuiet)
	styleAlert     = lipgloss.NewStyle().Foreground(hueAlert)
	styleOK        = lipgloss.NewStyle().Foreground(hueOK)
	styleHighlight = lipgloss.NewStyle().Background(hueHighlightBG).Foreground(hueForeground)
	styleStatusBar = lipgloss.NewStyle().Foreground(hueFaint).Background(hueStatusBG)
	styleRail      = lipgloss.NewStyle().Foreground(hueHairline)
)

func newSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: []string{"◐", "◓", "◑", "◒"},
		FPS:    time.Second / 6,
	}
	s.Style = styleAccent
	return s
}

type screen int

const (
	screenSearch screen = iota
	screenDetail
)

// idleTickMsg drives the periodic check for "has the query box gone quiet
// long enough to search." It is distinct from the spinner's own tick so the
// two cadences don't need to agree.
type idleTickMsg struct{}

func pollIdle() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return idleTickMsg{} })
}

// searchResultMsg and searchFailMsg carry a generation number so a result
// from a superseded query (one the user has since typed past) is dropped
// instead of clobbering newer output.
type (
	searchResultMsg struct {
		results []search.Result
		gen     int
	}
	searchFailMsg struct {
		err error
		gen int
	}
)

// Model is the BubbleTea application model for the tool-search client.
type Model struct {
	orch             *search.Orchestrator
	agentDescription string
	topK             int

	input   textinput.Model
	spin    spinner.Model
	screen  screen
	results []search.Result
	cursor  int
	err     error
	width   int
	height  int

	searching bool
	dirty     bool // query box changed since the last fired search
	editedAt  time.Time
	lastQuery string
	gen       int
}

// New creates a tool-search TUI model backed by orch. agentDescription,
// when non-empty, is folded into every query the same way the HTTP
// /search endpoint's agent_description field is.
func New(orch *search.Orchestrator, agentDescription string, topK int) Model {
	box := textinput.New()
	box.Placeholder = "search the tool catalog…"
	box.Focus()
	box.CharLimit = 256
	box.Width = 60
	box.Prompt = "❯ "
	box.PromptStyle = styleAccent
	box.TextStyle = lipgloss.NewStyle().Foreground(hueForeground)

	if topK <= 0 {
		topK = 10
	}

	return Model{
		orch:             orch,
		agentDescription: agentDescription,
		topK:             topK,
		input:            box,
		spin:             newSpinner(),
		screen:           screenSearch,
	}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, pollIdle())
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.onResize(msg), nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case idleTickMsg:
		return m.onIdleTick()

	case tea.KeyMsg:
		if model, cmd, handled := m.onKey(msg); handled {
			return model, cmd
		}

	case searchResultMsg:
		return m.onResult(msg), nil

	case searchFailMsg:
		return m.onFail(msg), nil
	}

	if m.screen != screenSearch {
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before {
		m.dirty = true
		m.editedAt = time.Now()
		if strings.TrimSpace(m.input.Value()) == "" {
			m.dirty = false
			m.searching = false
			m.results = nil
		}
	}
	return m, cmd
}

func (m Model) onResize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.input.Width = m.width - 8
	return m
}

// onIdleTick fires a search once the query box has been still for
// idleWindow, instead of racing a fresh timer per keystroke.
func (m Model) onIdleTick() (tea.Model, tea.Cmd) {
	next := pollIdle()
	if !m.dirty || time.Since(m.editedAt) < idleWindow {
		return m, next
	}

	m.dirty = false
	query := strings.TrimSpace(m.input.Value())
	if query == "" {
		return m, next
	}

	m.searching = true
	m.lastQuery = query
	m.gen++
	return m, tea.Batch(next, fireSearch(m.orch, query, m.agentDescription, m.topK, m.gen))
}

func (m Model) onKey(msg tea.KeyMsg) (Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "ctrl+q":
		return m, tea.Quit, true

	case "esc":
		m.screen = screenSearch
		m.input.Focus()
		m.err = nil
		return m, nil, true

	case "up", "ctrl+p":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil, true

	case "down", "ctrl+n":
		if m.cursor < len(m.results)-1 {
			m.cursor++
		}
		return m, nil, true

	case "enter":
		if m.screen == screenSearch && len(m.results) > 0 {
			m.screen = screenDetail
			m.input.Blur()
		}
		return m, nil, true
	}
	return m, nil, false
}

func (m Model) onResult(msg searchResultMsg) Model {
	if msg.gen != m.gen {
		return m
	}
	m.searching = false
	m.results = msg.results
	m.cursor = 0
	m.err = nil
	return m
}

func (m Model) onFail(msg searchFailMsg) Model {
	if msg.gen != m.gen {
		return m
	}
	m.searching = false
	m.err = msg.err
	return m
}

// View renders the current screen.
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.screen == screenDetail {
		return m.detailView()
	}
	return m.searchView()
}

func (m Model) searchView() string {
	var b strings.Builder
	rail := styleRail.Render(strings.Repeat("─", edge(m.width-2, 10, 200)))

	header := styleBanner.Render("encapure") + "  " + styleQuiet.Render("agentic tool search")
	var sub string
	if m.agentDescription != "" {
		sub = styleFaint.Render("agent context active")
	} else {
		sub = styleFaint.Render(fmt.Sprintf("top_k %d", m.topK))
	}
	fmt.Fprintln(&b, "  "+row(header, sub, m.width-2))

	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+rail)

	switch {
	case m.err != nil:
		fmt.Fprintln(&b, styleAlert.Render("  couldn't search: "+m.err.Error()))
	case m.searching:
		fmt.Fprintln(&b, "  "+m.spin.View()+"  "+styleQuiet.Render("searching…"))
	case len(m.results) == 0 && m.input.Value() == "":
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, styleQuiet.Render("  Start typing to search the tool catalog."))
		fmt.Fprintln(&b, styleFaint.Render("  Natural language works: ")+styleQuiet.Render("\"send a slack message\""))
	case len(m.results) == 0:
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, styleQuiet.Render("  no results for ")+styleAccent.Render("\""+m.lastQuery+"\""))
	default:
		m.renderList(&b, m.height-7)
	}

	fmt.Fprintln(&b, "  "+rail)
	m.renderStatus(&b)

	return b.String()
}

func (m Model) renderList(b *strings.Builder, rows int) {
	shown := rows / 2
	if shown < 1 {
		shown = 1
	}

	for i, r := range m.results {
		if i >= shown {
			fmt.Fprintf(b, "  %s\n", styleFaint.Render(fmt.Sprintf("… %d more results", len(m.results)-i)))
			return
		}

		score := fmt.Sprintf("%.2f", r.Score)
		summary := collapse(r.Description, edge(m.width-8, 20, 160))

		name := score + "  " + r.Name
		detail := "      " + summary

		if i == m.cursor {
			fmt.Fprintln(b, "  "+styleHighlight.Render(pad(name, m.width-2)))
			fmt.Fprintln(b, "  "+styleHighlight.Render(pad(detail, m.width-2)))
			continue
		}

		fmt.Fprintf(b, "  %s  %s\n", styleRank.Render(score), styleToolName.Render(r.Name))
		fmt.Fprintf(b, "        %s\n", styleSummary.Render(summary))
	}
}

func (m Model) renderStatus(b *strings.Builder) {
	var left string
	switch {
	case m.err != nil:
		left = styleAlert.Render(m.err.Error())
	case len(m.results) == 1:
		left = styleOK.Render("1 result")
	case len(m.results) > 1:
		left = styleOK.Render(fmt.Sprintf("%d results", len(m.results)))
	default:
		left = styleFaint.Render("no results")
	}

	right := "↑↓ move  enter open  esc back  ^q quit"
	fmt.Fprint(b, styleStatusBar.Render(row("  "+left, right+"  ", m.width)))
}

func (m Model) detailView() string {
	var b strings.Builder
	w := edge(m.width, 10, 200)
	rail := styleRail.Render(strings.Repeat("─", w-2))

	tool := m.results[m.cursor]
	fmt.Fprintln(&b, "  "+styleBanner.Render(tool.Name))
	fmt.Fprintln(&b, "  "+rail)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "  "+styleSummary.Render(tool.Description))
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "  %s %s\n", styleFaint.Render("cross-encoder score"), styleAccent.Render(fmt.Sprintf("%.4f", tool.Score)))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "  "+rail)
	fmt.Fprint(&b, styleStatusBar.Render(pad("  esc back to results  ^q quit", w)))
	return b.String()
}

func fireSearch(orch *search.Orchestrator, query, agentDescription string, topK, gen int) tea.Cmd {
	return func() tea.Msg {
		results, err := orch.Search(context.Background(), query, topK, agentDescription)
		if err != nil {
			return searchFailMsg{err: err, gen: gen}
		}
		return searchResultMsg{results: results, gen: gen}
	}
}

// edge clamps v into [lo, hi] using the builtin min/max rather than a
// hand-written if/else chain.
func edge(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

// collapse folds whitespace in s to single spaces and truncates to at most
// limit runes, marking truncation with an ellipsis.
func collapse(s string, limit int) string {
	flat := strings.Join(strings.Fields(s), " ")
	if len([]rune(flat)) <= limit || limit < 2 {
		return flat
	}
	runes := []rune(flat)
	return string(runes[:limit-1]) + "…"
}

// row lays left and right flush against opposite edges of width, measuring
// through lipgloss so ANSI-styled substrings don't inflate the gap.
func row(left, right string, width int) string {
	return pad(left+"\x00"+right, width)
}

// pad fills s out to width by inserting the gap at the first NUL byte (a
// sentinel row() uses to mark the split point), or appends trailing spaces
// when there is no split point.
func pad(s string, width int) string {
	parts := strings.SplitN(s, "\x00", 2)
	if len(parts) == 1 {
		gap := width - lipgloss.Width(s)
		if gap < 0 {
			gap = 0
		}
		return s + strings.Repeat(" ", gap)
	}
	left, right := parts[0], parts[1]
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}
