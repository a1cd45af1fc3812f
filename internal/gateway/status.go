package gateway

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

func (g *Gateway) status() Reply {
	st := g.sup.Status()
	if !st.Running {
		return Reply{Kind: Info, Text: "Streaming is not running."}
	}
	if !st.Verified {
		return Reply{Kind: OK, Text: fmt.Sprintf("Streaming is believed to be running with PID %d (not verifiable on this host).", st.PID)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Streaming is running with PID %d", st.PID)
	if !st.Since.IsZero() {
		fmt.Fprintf(&b, ", started %s", humanize.Time(st.Since))
	}
	b.WriteString(".")
	if u := st.Usage; u != nil {
		fmt.Fprintf(&b, "\nCPU %.1f%%, memory %s", u.CPUPercent, humanize.IBytes(u.RSSBytes))
		if u.NumThreads > 0 {
			fmt.Fprintf(&b, ", %d threads", u.NumThreads)
		}
	}
	return Reply{Kind: OK, Text: b.String()}
}
