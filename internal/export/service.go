package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"nct/api/internal/health"
)

// ReportData is everything the health report template needs.
type ReportData struct {
	WorkspaceName string
	GeneratedAt   time.Time
	Report        health.Report
	Narratives    []NarrativeRow
}

// NarrativeRow is one narrative line in the report appendix.
type NarrativeRow struct {
	Title       string
	Status      string
	Commitments int
	UpdatedAt   time.Time
}

// Service renders health reports and exports them as PDF.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// HealthReportPDF renders the workspace health report and prints it to PDF.
func (s *Service) HealthReportPDF(data ReportData) (*Result, error) {
	html, err := renderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return exportPDF(html, data.WorkspaceName+" health report")
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.Format("Jan 2, 2006") },
}).Parse(reportTemplateHTML))

func renderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.WorkspaceName}} — Health Report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .score { font-size: 3em; font-weight: bold; }
    .healthy { color: #1a7f37; }
    .needs_attention { color: #9a6700; }
    .at_risk { color: #cf222e; }
    .issue { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.5rem 0; border-left: 3px solid #9a6700; }
    table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
    th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid #ddd; }
    th { font-size: 0.85em; text-transform: uppercase; color: #666; }
  </style>
</head>
<body>
  <h1>{{.WorkspaceName}} — Health Report</h1>
  <div class="meta">Generated {{formatDate .GeneratedAt}}</div>

  <div class="score {{.Report.Status}}">{{.Report.Score}} / 100</div>
  <p>Status: <strong class="{{.Report.Status}}">{{.Report.Status}}</strong></p>

  {{if .Report.Issues}}
  <h2>Issues</h2>
  {{range .Report.Issues}}<div class="issue">{{.}}</div>{{end}}
  {{else}}
  <p>No outstanding issues.</p>
  {{end}}

  <h2>Overview</h2>
  <table>
    <tr><th>Narratives</th><th>Commitments</th><th>Tasks</th><th>Pillars</th></tr>
    <tr>
      <td>{{.Report.Stats.Narratives}}</td>
      <td>{{.Report.Stats.Commitments}}</td>
      <td>{{.Report.Stats.Tasks}}</td>
      <td>{{.Report.Stats.Pillars}}</td>
    </tr>
  </table>

  {{if .Narratives}}
  <h2>Narratives</h2>
  <table>
    <tr><th>Title</th><th>Status</th><th>Commitments</th><th>Updated</th></tr>
    {{range .Narratives}}
    <tr>
      <td>{{.Title}}</td>
      <td>{{.Status}}</td>
      <td>{{.Commitments}}</td>
      <td>{{formatDate .UpdatedAt}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
