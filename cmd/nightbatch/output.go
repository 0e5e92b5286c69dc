package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rendis/flowrun/pkg/engine"
)

// output formats command results as a table or as JSON.
type output struct {
	jsonMode bool
	w        io.Writer
}

func (o *output) print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.json(jsonData)
		return
	}
	o.table(headers, rows)
}

func (o *output) table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func (o *output) json(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// summary prints one row per node of res, nested runs indented below their
// subflow node.
func (o *output) summary(res *engine.RunResult) {
	if o.jsonMode {
		o.json(res)
		return
	}
	fmt.Fprintf(o.w, "%s  run %s  %s  (%s)\n\n", res.Flow, res.RunID, res.Status, res.Duration().Round(time.Millisecond))
	var rows [][]string
	collectRows(res, 0, &rows)
	o.table([]string{"NODE", "STATUS", "ATTEMPTS", "DURATION", "ERROR"}, rows)
}

func collectRows(res *engine.RunResult, depth int, rows *[][]string) {
	indent := strings.Repeat("  ", depth)
	for _, id := range res.Order {
		n := res.Nodes[id]
		status := string(n.Status)
		if n.Resumed {
			status += " (resumed)"
		}
		errMsg := ""
		if n.Err != nil {
			errMsg = n.Err.Error()
		} else if n.SkippedBy != "" {
			errMsg = "after " + n.SkippedBy
		}
		*rows = append(*rows, []string{
			indent + id,
			status,
			fmt.Sprint(n.Attempts),
			n.Duration().Round(time.Millisecond).String(),
			errMsg,
		})
		if n.Subrun != nil {
			collectRows(n.Subrun, depth+1, rows)
		}
	}
}
