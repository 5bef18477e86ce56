package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/censys/scan-browser/pkg/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

const baseTemplate = "base.html"

// TemplateData represents common template data
type TemplateData struct {
	Title       string
	CurrentTime string
}

var templateFuncs = template.FuncMap{
	"joinPorts": func(ports []int) string {
		parts := make([]string, len(ports))
		for i, p := range ports {
			parts[i] = strconv.Itoa(p)
		}
		return strings.Join(parts, ", ")
	},
	"timestamp": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}

// parseTemplates pairs every page with the base layout and the shared
// partials (files starting with "_"). Pages are parsed separately so their
// "content" blocks do not collide.
func parseTemplates() (map[string]*template.Template, error) {
	pages, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	out := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		name := path.Base(page)
		if name == baseTemplate || strings.HasPrefix(name, "_") {
			continue
		}
		tmpl, err := template.New(name).Funcs(templateFuncs).
			ParseFS(templateFS, "templates/"+baseTemplate, "templates/_*.html", page)
		if err != nil {
			return nil, fmt.Errorf("web: parse %s: %w", name, err)
		}
		out[name] = tmpl
	}
	return out, nil
}

func (s *Server) baseData(title string) TemplateData {
	return TemplateData{
		Title:       title,
		CurrentTime: time.Now().UTC().Format(time.RFC1123),
	}
}

// render executes the page into a buffer first so a template failure can
// still produce a clean error response.
func (s *Server) render(c *gin.Context, status int, name string, data any) {
	page, ok := s.templates[name]
	if !ok {
		s.renderError(c, http.StatusInternalServerError, "Template error", fmt.Errorf("unknown template %q", name))
		return
	}

	var buf bytes.Buffer
	if err := page.ExecuteTemplate(&buf, baseTemplate, data); err != nil {
		s.renderError(c, http.StatusInternalServerError, "Template error", err)
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

type errorPage struct {
	TemplateData
	Error      string
	StatusCode int
}

func (s *Server) renderError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		_ = c.Error(err)
	}
	s.log.WithFields(logrus.Fields{
		"status_code": status,
		"path":        c.Request.URL.Path,
		"request_id":  logging.RequestID(c),
	}).WithError(err).Error(message)

	data := errorPage{
		TemplateData: s.baseData("Error"),
		Error:        message,
		StatusCode:   status,
	}

	var buf bytes.Buffer
	page, ok := s.templates["error.html"]
	if !ok || page.ExecuteTemplate(&buf, baseTemplate, data) != nil {
		c.String(status, "%d %s", status, message)
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}
