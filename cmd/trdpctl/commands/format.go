package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// publisherView, subscriberView, and mdSessionView mirror internal/server's
// JSON shapes for the corresponding admin API resources.
type publisherView struct {
	ComID      uint32 `json:"com_id"`
	Dest       string `json:"dest"`
	IntervalMS int64  `json:"interval_ms"`
	RedID      uint32 `json:"red_id"`
}

type subscriberView struct {
	ComID     uint32 `json:"com_id"`
	Src       string `json:"src,omitempty"`
	Dest      string `json:"dest"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type mdSessionView struct {
	ID       string `json:"id"`
	ComID    uint32 `json:"com_id"`
	PeerIP   string `json:"peer_ip"`
	UseTCP   bool   `json:"use_tcp"`
	State    string `json:"state"`
	Deadline string `json:"deadline,omitempty"`
}

// --- Sessions ---

func formatSessions(sessions []sessionSummary, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(sessions)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tLOCAL\tPUBLISHERS\tSUBSCRIBERS\tMD-SESSIONS")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.Key, s.LocalAddr, s.NumPublishers, s.NumSubscribers, s.NumMDSessions)
		}
		return flush(w, &buf)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSession(s sessionSummary, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(s)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Key:\t%s\n", s.Key)
		fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddr)
		fmt.Fprintf(w, "Publishers:\t%d\n", s.NumPublishers)
		fmt.Fprintf(w, "Subscribers:\t%d\n", s.NumSubscribers)
		fmt.Fprintf(w, "MD Sessions:\t%d\n", s.NumMDSessions)
		return flush(w, &buf)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Publishers / Subscribers / MD sessions ---

func formatPublishers(pubs []publisherView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(pubs)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COM-ID\tDEST\tINTERVAL-MS\tRED-ID")
		for _, p := range pubs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", p.ComID, p.Dest, p.IntervalMS, p.RedID)
		}
		return flush(w, &buf)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSubscribers(subs []subscriberView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(subs)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COM-ID\tSRC\tDEST\tTIMEOUT-MS")
		for _, s := range subs {
			src := s.Src
			if src == "" {
				src = "any"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.ComID, src, s.Dest, s.TimeoutMS)
		}
		return flush(w, &buf)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatMDSessions(mds []mdSessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(mds)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCOM-ID\tPEER\tTCP\tSTATE\tDEADLINE")
		for _, m := range mds {
			fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%s\t%s\n", m.ID, m.ComID, m.PeerIP, m.UseTCP, m.State, m.Deadline)
		}
		return flush(w, &buf)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Helpers ---

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(data), nil
}

func flush(w *tabwriter.Writer, buf *strings.Builder) (string, error) {
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}
