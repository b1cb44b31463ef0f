package handlers

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/openapi"
)

// FunctionLister is the part of the catalog the docs need.
type FunctionLister interface {
	List(ctx context.Context, activeOnly bool) ([]*catalog.Function, error)
}

type DocsHandler struct {
	functions FunctionLister
	cfg       *config.Config
	version   string
	page      *template.Template
}

func NewDocsHandler(functions FunctionLister, cfg *config.Config, version string) *DocsHandler {
	return &DocsHandler{
		functions: functions,
		cfg:       cfg,
		version:   version,
		page:      docsPage(cfg.Docs.UI),
	}
}

// OpenAPISpec handles GET /api/openapi.json. The document is rebuilt on each
// request since functions come and go at runtime.
func (h *DocsHandler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	fns, err := h.functions.List(r.Context(), true)
	if err != nil {
		Failure(w, r, err)
		return
	}

	data, err := openapi.Generate(fns, openapi.GeneratorConfig{
		Title:       h.cfg.Docs.Title,
		Description: h.cfg.Docs.Description,
		Version:     h.version,
		ServerURL:   baseURL(r),
	}).JSON()
	if err != nil {
		log.Error().Err(err).Int("functions", len(fns)).Msg("Encoding OpenAPI document")
		InternalError(w, "Failed to encode OpenAPI document")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// DocsUI handles GET /api/docs with the configured reference viewer.
func (h *DocsHandler) DocsUI(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.page.Execute(&buf, struct{ Title, SpecURL string }{h.cfg.Docs.Title, "/api/openapi.json"}); err != nil {
		log.Error().Err(err).Msg("Rendering docs page")
		InternalError(w, "Failed to render docs page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// baseURL is the origin the caller reached us on, honoring a fronting proxy.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host, _, _ = strings.Cut(fwd, ",")
	}
	return strings.TrimSpace(scheme) + "://" + strings.TrimSpace(host)
}

const docsLayout = `<!DOCTYPE html>
<html>
<head>
  <title>{{.Title}}</title>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  {{template "head" .}}
</head>
<body>
  {{template "body" .}}
</body>
</html>
`

// viewers holds the head and body fragments per docs.ui value. scalar is
// the fallback.
var viewers = map[string][2]string{
	"scalar": {
		`<meta name="color-scheme" content="light dark" />`,
		`<script id="api-reference" data-url="{{.SpecURL}}"></script>
  <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>`,
	},
	"swagger": {
		`<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css" />`,
		`<div id="swagger-ui"></div>
  <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>window.onload = () => SwaggerUIBundle({ url: {{.SpecURL}}, dom_id: '#swagger-ui' });</script>`,
	},
	"redoc": {
		`<style>body { margin: 0; padding: 0; }</style>`,
		`<redoc spec-url="{{.SpecURL}}"></redoc>
  <script src="https://cdn.jsdelivr.net/npm/redoc@latest/bundles/redoc.standalone.js"></script>`,
	},
	"stoplight": {
		`<link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css" />`,
		`<elements-api apiDescriptionUrl="{{.SpecURL}}" router="hash" layout="sidebar" />
  <script src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>`,
	},
}

func docsPage(ui string) *template.Template {
	v, ok := viewers[ui]
	if !ok {
		v = viewers["scalar"]
	}
	t := template.Must(template.New("page").Parse(docsLayout))
	template.Must(t.New("head").Parse(v[0]))
	template.Must(t.New("body").Parse(v[1]))
	return t
}
