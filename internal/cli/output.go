package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/ariefcatur/micro-oms/internal/reconcile"
)

// printer renders command results as indented JSON or as plain text lines.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) lines(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		return p.json(v)
	}
	text(p.w)
	return nil
}

func (p printer) syncResults(results map[string]reconcile.Stats) error {
	return p.lines(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "no active shops")
			return
		}
		shops := make([]string, 0, len(results))
		for s := range results {
			shops = append(shops, s)
		}
		sort.Strings(shops)
		for _, s := range shops {
			st := results[s]
			if st.Error != "" {
				fmt.Fprintf(w, "%s: error: %s\n", s, st.Error)
				continue
			}
			fmt.Fprintf(w, "%s: created=%d updated=%d skipped=%d failed=%d\n",
				s, st.Created, st.Updated, st.Skipped, st.Failed)
		}
	})
}
