package cli

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/me/myqueue/internal/submit"
	"github.com/me/myqueue/pkg/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)

	stateStyles = map[model.State]lipgloss.Style{
		model.StateQueued:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6366F1")),
		model.StateHold:     lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		model.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true),
		model.StateDone:     lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		model.StateFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
		model.StateTimeout:  lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		model.StateMemory:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		model.StateCanceled: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	}
)

func renderState(s model.State, width int) string {
	text := fmt.Sprintf("%-*s", width, s)
	if st, ok := stateStyles[s]; ok {
		return st.Render(text)
	}
	return text
}

// relFolder shows folders below the current folder relative to it.
func relFolder(folder string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return folder
	}
	rel, err := filepath.Rel(cwd, folder)
	if err != nil || strings.HasPrefix(rel, "..") {
		return folder
	}
	if rel == "." {
		return "./"
	}
	return "./" + rel + "/"
}

// duration formats seconds as h:mm:ss.
func duration(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}

func age(t, now float64) string {
	if t == 0 {
		return ""
	}
	return humanize.RelTime(time.Unix(int64(t), 0), time.Unix(int64(now), 0), "ago", "from now")
}

func taskInfo(t *model.Task) string {
	var parts []string
	if n := len(t.Deps); n > 0 {
		parts = append(parts, fmt.Sprintf("%s:%d", "d", n))
	}
	if t.Restart > 0 {
		parts = append(parts, fmt.Sprintf("*%d", t.Restart))
	}
	if t.Notifications != "" {
		parts = append(parts, t.Notifications)
	}
	return strings.Join(parts, ",")
}

// column is one field of the task table, picked by its letter.
type column struct {
	letter byte
	title  string
	value  func(t *model.Task, now float64) string
}

var columns = []column{
	{'i', "id", func(t *model.Task, _ float64) string { return fmt.Sprint(t.ID) }},
	{'f', "folder", func(t *model.Task, _ float64) string { return relFolder(t.Folder) }},
	{'n', "name", func(t *model.Task, _ float64) string { return t.Cmd.Name() }},
	{'I', "info", func(t *model.Task, _ float64) string { return taskInfo(t) }},
	{'r', "res.", func(t *model.Task, _ float64) string { return t.Resources.String() }},
	{'A', "age", func(t *model.Task, now float64) string { return age(t.TQueued, now) }},
	{'s', "state", func(t *model.Task, _ float64) string { return string(t.State) }},
	{'t', "time", func(t *model.Task, now float64) string { return duration(t.RunningTime(now)) }},
	{'e', "error", func(t *model.Task, _ float64) string {
		if len(t.Error) > 60 {
			return t.Error[:57] + "..."
		}
		return t.Error
	}},
}

// defaultColumns shows every column.
const defaultColumns = "ifnIrAste"

func pickColumns(letters string) ([]column, error) {
	var out []column
	for i := 0; i < len(letters); i++ {
		idx := slices.IndexFunc(columns, func(c column) bool { return c.letter == letters[i] })
		if idx < 0 {
			return nil, model.Errorf("unknown column %q (choose from %q)", letters[i], defaultColumns)
		}
		out = append(out, columns[idx])
	}
	return out, nil
}

// sortTasks orders tasks by the column with the given letter. A trailing
// "-" reverses the order.
func sortTasks(tasks []*model.Task, key string, now float64) error {
	if key == "" {
		return nil
	}
	reverse := strings.HasSuffix(key, "-")
	key = strings.TrimSuffix(key, "-")
	cols, err := pickColumns(key)
	if err != nil {
		return err
	}
	if len(cols) != 1 {
		return model.Errorf("sort by exactly one column, got %q", key)
	}
	less := func(a, b *model.Task) int {
		switch cols[0].letter {
		case 'i':
			return cmp.Compare(a.ID, b.ID)
		case 'A':
			return cmp.Compare(b.TQueued, a.TQueued)
		case 't':
			return cmp.Compare(a.RunningTime(now), b.RunningTime(now))
		case 's':
			return slices.Index(model.AllStates, a.State) - slices.Index(model.AllStates, b.State)
		}
		return strings.Compare(cols[0].value(a, now), cols[0].value(b, now))
	}
	slices.SortStableFunc(tasks, func(a, b *model.Task) int {
		if reverse {
			return less(b, a)
		}
		return less(a, b)
	})
	return nil
}

// writeTasks prints tasks with all columns.
func writeTasks(w io.Writer, tasks []*model.Task, now float64) {
	cols, _ := pickColumns(defaultColumns)
	writeTable(w, tasks, now, cols)
}

// writeTable prints tasks as a table followed by a count per state.
func writeTable(w io.Writer, tasks []*model.Task, now float64, cols []column) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No tasks"))
		return
	}
	rows := make([][]string, len(tasks))
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c.title)
	}
	for r, t := range tasks {
		rows[r] = make([]string, len(cols))
		for i, c := range cols {
			rows[r][i] = c.value(t, now)
			widths[i] = max(widths[i], len(rows[r][i]))
		}
	}

	var b strings.Builder
	for i, c := range cols {
		b.WriteString(fmt.Sprintf("%-*s ", widths[i], c.title))
	}
	fmt.Fprintln(w, headerStyle.Render(strings.TrimRight(b.String(), " ")))
	var rule []string
	for _, n := range widths {
		rule = append(rule, strings.Repeat("─", n))
	}
	fmt.Fprintln(w, mutedStyle.Render(strings.Join(rule, " ")))

	for r, row := range rows {
		var line strings.Builder
		for i, c := range row {
			if cols[i].letter == 's' {
				line.WriteString(renderState(tasks[r].State, widths[i]))
				line.WriteString(" ")
				continue
			}
			line.WriteString(fmt.Sprintf("%-*s ", widths[i], c))
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}
	fmt.Fprintln(w, mutedStyle.Render(strings.Join(rule, " ")))
	fmt.Fprintln(w, stateCounts(tasks))
}

// stateCounts summarises tasks as "Total: 3, done: 2, FAILED: 1".
func stateCounts(tasks []*model.Task) string {
	counts := map[model.State]int{}
	for _, t := range tasks {
		counts[t.State]++
	}
	parts := []string{fmt.Sprintf("Total: %d", len(tasks))}
	for _, s := range model.AllStates {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", renderState(s, 0), n))
		}
	}
	return strings.Join(parts, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func writeSubmitSummary(w io.Writer, res submit.Result) {
	verb := "submitted"
	if flagDryRun {
		verb = "to submit"
	}
	fmt.Fprintf(w, "%s %s\n", plural(len(res.Submitted), "task"), verb)
	for _, c := range []struct {
		n    int
		what string
	}{
		{res.Done, "already done"},
		{res.Queued, "already in the queue"},
		{res.Failed, "failed before (use --force)"},
		{res.Skipped, "skipped because of dependencies"},
		{res.Remaining, "not submitted yet"},
	} {
		if c.n > 0 {
			fmt.Fprintf(w, "%s %s\n", plural(c.n, "task"), c.what)
		}
	}
}
