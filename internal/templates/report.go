package templates

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/escrowcache/internal/escrow"
)

// DefaultReportTemplate renders a plain-text summary of one cached context.
const DefaultReportTemplate = `escrow records for {{ .Account }}
filter: {{ .FilterMode }}
{{- if .Populated }}
fetched: {{ dateInZone "2006-01-02T15:04:05Z07:00" .FetchedAt "UTC" }} (age {{ .Age }}, timeout {{ .Timeout }}{{ if .Stale }}, stale{{ end }})
{{- else }}
fetched: never
{{- end }}
{{- range .Tiers }}
{{ tierLabel .Name }}: {{ len .Records }}
{{- range .Records }}
  - {{ default "(legacy)" .BottleID }}{{ with .PeerID }} peer={{ . }}{{ end }}{{ with .SerialNumber }} serial={{ . }}{{ end }}{{ with .Build }} build={{ . }}{{ end }}{{ if .Views }} views={{ join "," .Views }}{{ end }}
{{- end }}
{{- end }}
`

// ReportRecord is the template view of one record. Payloads are never exposed.
type ReportRecord struct {
	BottleID     string
	PeerID       string
	SerialNumber string
	Build        string
	Views        []string
}

// ReportTier groups records of one tier.
type ReportTier struct {
	Name    string
	Records []ReportRecord
}

// ReportData is the value passed to report templates.
type ReportData struct {
	Account    string
	FilterMode string
	FetchedAt  time.Time
	Populated  bool
	Stale      bool
	Timeout    time.Duration
	Age        time.Duration
	Tiers      []ReportTier
}

// ReportInput describes the cached state of one context at render time.
type ReportInput struct {
	Account    escrow.AccountContext
	Tiers      escrow.Tiers
	FilterMode escrow.FilterMode
	FetchedAt  time.Time
	Timeout    time.Duration
	Now        time.Time
}

// NewReportData flattens in for template consumption. Tiers are listed in
// preference order: fully viable, partially viable, legacy.
func NewReportData(in ReportInput) ReportData {
	data := ReportData{
		Account:    in.Account.Key(),
		FilterMode: in.FilterMode.String(),
		FetchedAt:  in.FetchedAt,
		Populated:  !in.FetchedAt.IsZero(),
		Timeout:    in.Timeout,
	}
	if data.Populated {
		data.Age = in.Now.Sub(in.FetchedAt).Truncate(time.Second)
		data.Stale = in.Now.Sub(in.FetchedAt) > in.Timeout
	}
	data.Tiers = []ReportTier{
		reportTier(escrow.TierFullyViable, in.Tiers.FullyViable),
		reportTier(escrow.TierPartiallyViable, in.Tiers.PartiallyViable),
		reportTier(escrow.TierLegacy, in.Tiers.Legacy),
	}
	return data
}

func reportTier(tier escrow.Tier, records []escrow.Record) ReportTier {
	out := ReportTier{Name: tier.String(), Records: make([]ReportRecord, 0, len(records))}
	for _, rec := range records {
		out.Records = append(out.Records, ReportRecord{
			BottleID:     rec.BottleID,
			PeerID:       rec.Metadata.PeerID,
			SerialNumber: rec.Metadata.SerialNumber,
			Build:        rec.Metadata.Build,
			Views:        shareViews(rec.Metadata.KeyShares),
		})
	}
	return out
}

func shareViews(shares []escrow.KeyShare) []string {
	seen := make(map[string]struct{}, len(shares))
	views := make([]string, 0, len(shares))
	for _, share := range shares {
		view := strings.TrimSpace(share.View)
		if view == "" {
			continue
		}
		if _, ok := seen[view]; ok {
			continue
		}
		seen[view] = struct{}{}
		views = append(views, view)
	}
	sort.Strings(views)
	return views
}

// Reporter renders cache reports with either the built-in or a configured template.
type Reporter struct {
	tmpl *Template
}

// NewReporter compiles the report template. When templateFile is empty the
// built-in template is used and folder may be empty too.
func NewReporter(folder, templateFile string) (*Reporter, error) {
	var sandbox *Sandbox
	if strings.TrimSpace(folder) != "" {
		sb, err := NewSandbox(folder)
		if err != nil {
			return nil, err
		}
		sandbox = sb
	}
	renderer := NewRenderer(sandbox)

	var (
		tmpl *Template
		err  error
	)
	if strings.TrimSpace(templateFile) != "" {
		tmpl, err = renderer.CompileFile(templateFile)
	} else {
		tmpl, err = renderer.CompileInline("report", DefaultReportTemplate)
	}
	if err != nil {
		return nil, err
	}
	return &Reporter{tmpl: tmpl}, nil
}

// Name identifies the active template.
func (r *Reporter) Name() string { return r.tmpl.Name() }

// Write renders in to w.
func (r *Reporter) Write(w io.Writer, in ReportInput) error {
	if r == nil || r.tmpl == nil {
		return fmt.Errorf("templates: reporter not initialized")
	}
	return r.tmpl.Execute(w, NewReportData(in))
}
