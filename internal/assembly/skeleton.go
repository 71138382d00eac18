package assembly

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var skeleton *template.Template

func init() {
	funcMap := template.FuncMap{
		"safeHTML": func(s string) template.HTML { return template.HTML(s) },
	}

	content, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		skeleton = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	skeleton = template.Must(template.New("report").Funcs(funcMap).Parse(string(content)))
}

// skeletonData fills the document header, body and footer.
type skeletonData struct {
	ReportID        string
	Title           string
	Owner           string
	Status          string
	Version         int
	TimeRange       string
	TemplateName    string
	TemplateVersion int
	Sections        []renderedSection
	ContentHash     string
	RenderedAt      string
}

type renderedSection struct {
	ID    string
	Title string
	Body  string
}

func renderSkeleton(data skeletonData) (string, error) {
	var buf bytes.Buffer
	if err := skeleton.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <header><h1>{{.Title}}</h1><div class="meta">{{.Owner}} | {{.Status}} | version {{.Version}}</div></header>
  <main>{{range .Sections}}<section id="{{.ID}}">{{if .Title}}<h2>{{.Title}}</h2>{{end}}{{.Body | safeHTML}}</section>{{end}}</main>
  <footer>{{.ContentHash}}{{if .RenderedAt}} <span data-time-varying="rendered_at">{{.RenderedAt}}</span>{{end}}</footer>
</body>
</html>`
