package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/futlize/vectordb/internal/vectorapi"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00afff"))

type printer struct {
	w      io.Writer
	json   bool
	styled bool
}

// newPrinter writes JSON when asked to, or in auto mode when stdout is not a terminal.
func (o *cliOptions) newPrinter(cmd *cobra.Command) printer {
	out := cmd.OutOrStdout()
	tty := isTerminal(out)
	return printer{
		w:      out,
		json:   o.output == "json" || (o.output == "auto" && !tty),
		styled: tty,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p printer) printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

func (p printer) printTable(headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}
	for _, row := range rows {
		for i := 0; i < len(headers) && i < len(row); i++ {
			widths[i] = max(widths[i], len(row[i]))
		}
	}

	render := func(values []string, style func(string) string) {
		cells := make([]string, len(headers))
		for i := range headers {
			value := ""
			if i < len(values) {
				value = values[i]
			}
			cells[i] = style(value + strings.Repeat(" ", widths[i]-len(value)))
		}
		fmt.Fprintln(p.w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}

	plain := func(s string) string { return s }
	if p.styled {
		render(headers, func(s string) string { return headerStyle.Render(s) })
	} else {
		render(headers, plain)
		separator := make([]string, len(headers))
		for i, width := range widths {
			separator[i] = strings.Repeat("-", width)
		}
		render(separator, plain)
	}
	for _, row := range rows {
		render(row, plain)
	}
}

func (p printer) printIndexes(indexes []vectorapi.Index) error {
	if p.json {
		return p.printJSON(indexes)
	}
	rows := make([][]string, 0, len(indexes))
	for _, idx := range indexes {
		rows = append(rows, []string{
			strconv.FormatUint(idx.ID, 10),
			idx.Name,
			strconv.Itoa(idx.Dimensions),
			idx.Similarity,
			idx.Optimization,
			strconv.Itoa(idx.Count),
			strconv.FormatUint(idx.Capacity, 10),
		})
	}
	p.printTable([]string{"ID", "NAME", "DIMS", "SIMILARITY", "OPTIMIZATION", "ENTRIES", "CAPACITY"}, rows)
	return nil
}

func (p printer) printSearch(res vectorapi.SearchResponse) error {
	if p.json {
		return p.printJSON(res)
	}
	rows := make([][]string, 0, len(res.Matches))
	for i, m := range res.Matches {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			strconv.FormatUint(m.ID, 10),
			strconv.FormatFloat(float64(m.Distance), 'f', 6, 32),
		})
	}
	p.printTable([]string{"RANK", "ID", "DISTANCE"}, rows)
	if len(res.Skipped) > 0 {
		ids := make([]string, len(res.Skipped))
		for i, id := range res.Skipped {
			ids[i] = strconv.FormatUint(id, 10)
		}
		fmt.Fprintf(p.w, "skipped zero-magnitude entries: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

func (p printer) printMessage(format string, args ...any) error {
	if p.json {
		return p.printJSON(map[string]string{"message": fmt.Sprintf(format, args...)})
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func formatCLIError(err error) string {
	if err == nil {
		return ""
	}
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	switch st.Code() {
	case codes.NotFound:
		return "not found: " + st.Message()
	case codes.AlreadyExists:
		return "already exists: " + st.Message()
	case codes.InvalidArgument:
		return "invalid request: " + st.Message()
	case codes.ResourceExhausted:
		return "limit reached: " + st.Message()
	case codes.DeadlineExceeded:
		return "timeout: request exceeded configured --timeout"
	case codes.Unavailable:
		return "server unavailable: " + st.Message()
	case codes.Internal:
		return "server error: " + st.Message()
	default:
		return st.Message()
	}
}
