package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"log/slog"
	"sort"
	"strings"
	"time"

	"feedmail/internal/config"
	"feedmail/internal/mail"
	"feedmail/internal/storage"
)

const (
	// fail_count a group must reach before it appears in a report,
	// so a single transient fetch hiccup never pages anyone
	failureReportThreshold = 2

	// housekeeping cycles the failing set must stay unchanged before a
	// report goes out
	reportDebounceCycles = 5
)

var reportBody = template.Must(template.New("report").Parse(`<div>
<p>{{ len .Failures }} feed group(s) are failing as of {{ .Now }}:</p>
<ul>
{{- range .Failures }}
<li>
<p>{{ range .URLs }}{{ . }}<br>{{ end }}</p>
<blockquote><pre>{{ .Error }}</pre></blockquote>
</li>
{{- end }}
</ul>
</div>
`))

type reportEntry struct {
	URLs  []string
	Error string
}

// failureReporter turns the persisted failure rows into operator mail.
// It only reports when the set of failing groups changes and has stayed
// stable for a few housekeeping cycles, and sends an all-clear once the
// set empties again.
type failureReporter struct {
	sender mail.Sender
	log    *slog.Logger

	lastSet  string
	debounce int
}

func newFailureReporter(sender mail.Sender, log *slog.Logger) *failureReporter {
	return &failureReporter{
		sender:  sender,
		log:     log,
		lastSet: setDigest(nil),
	}
}

func (r *failureReporter) record(ctx context.Context, snap *config.Snapshot, failures []storage.Failure) {
	entries := make([]reportEntry, 0, len(failures))
	hashes := make([][]byte, 0, len(failures))
	for _, f := range failures {
		group := snap.Group(hex.EncodeToString(f.URLsHash))
		if group == nil {
			// stale row for a group removed from config, pruning will
			// take care of it
			continue
		}
		entries = append(entries, reportEntry{URLs: group.URLs, Error: f.Error})
		hashes = append(hashes, f.URLsHash)
	}

	digest := setDigest(hashes)
	if digest != r.lastSet {
		r.lastSet = digest
		r.debounce = reportDebounceCycles
		r.log.Info("failing feed group set changed", "failing", len(entries))
		return
	}

	switch r.debounce {
	case 0:
		// already reported
	case 1:
		if err := r.send(ctx, snap, entries); err != nil {
			r.log.Error("failed to send failure report", "error", err)
			return
		}
		r.debounce = 0
	default:
		r.debounce--
	}
}

func (r *failureReporter) send(ctx context.Context, snap *config.Snapshot, entries []reportEntry) error {
	if len(snap.ErrorReportTo) == 0 {
		r.log.Warn("no error report recipients configured, dropping failure report",
			"failing", len(entries))
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var m mail.Mail
	if len(entries) == 0 {
		m = mail.Mail{
			Subject: "All feeds are working again",
			Body:    fmt.Sprintf("<p>All feed groups recovered as of %s.</p>", now),
		}
	} else {
		var body strings.Builder
		err := reportBody.Execute(&body, struct {
			Now      string
			Failures []reportEntry
		}{Now: now, Failures: entries})
		if err != nil {
			return err
		}
		m = mail.Mail{
			Subject: fmt.Sprintf("%d feed group(s) are failing", len(entries)),
			Body:    body.String(),
		}
	}

	return r.sender.Send(ctx, snap.ErrorReportTo, nil, nil, []mail.Mail{m})
}

// setDigest identifies a failing set regardless of row order. Rows come
// back sorted by hash from the store, but the digest does not depend on
// that.
func setDigest(hashes [][]byte) string {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = string(h)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
