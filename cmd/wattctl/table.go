package main

import (
	"fmt"
	"io"
	"strings"
)

// table renders aligned columns. Widths are measured on the plain text;
// colour is applied after padding so escape codes never skew alignment.
type table struct {
	headers []string
	rows    [][]string

	// color, when set, decorates a padded cell.
	color func(row, col int, padded string) string
}

func (t *table) add(cols ...string) {
	t.rows = append(t.rows, cols)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			widths[i] = max(widths[i], len(c))
		}
	}

	last := len(t.headers) - 1
	for i, h := range t.headers {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}
		fmt.Fprint(w, bold(pad(h, widths[i], i == last)))
	}
	fmt.Fprintln(w)

	for ri, r := range t.rows {
		for i, c := range r {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			padded := pad(c, widths[i], i == last)
			if t.color != nil {
				padded = t.color(ri, i, padded)
			}
			fmt.Fprint(w, padded)
		}
		fmt.Fprintln(w)
	}
}

// pad right-pads s to width. The last column is left unpadded.
func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
