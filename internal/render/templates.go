package render

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var displayTemplate = template.Must(template.New("display.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
}).ParseFS(templateFS, "templates/display.html"))

type pageData struct {
	Name       string
	Nodes      []Node
	RenderedAt time.Time
}

// HTML renders the named result as a standalone page.
func HTML(name string, payload []byte) ([]byte, error) {
	nodes, err := buildTree(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := displayTemplate.Execute(&buf, pageData{Name: name, Nodes: nodes, RenderedAt: time.Now()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
