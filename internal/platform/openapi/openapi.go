package openapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Generator builds an OpenAPI 3.0 document from the routes registered on
// an echo instance, so the document cannot drift from the router.
type Generator struct {
	e       *echo.Echo
	title   string
	version string
}

func NewGenerator(e *echo.Echo, title, version string) *Generator {
	return &Generator{e: e, title: title, version: version}
}

// GenerateSpec produces the OpenAPI document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	routes := g.e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	paths := make(map[string]interface{})
	for _, r := range routes {
		if r.Method == echo.RouteNotFound || r.Path == "/openapi.json" {
			continue
		}
		path, params := convertPath(r.Path)
		item, ok := paths[path].(map[string]interface{})
		if !ok {
			item = make(map[string]interface{})
			paths[path] = item
		}

		op := map[string]interface{}{
			"tags":      []string{tag(r.Path)},
			"responses": responses(r.Method),
		}
		if id := operationID(r.Name); id != "" {
			op["operationId"] = id
		}
		if len(params) > 0 {
			var ps []map[string]interface{}
			for _, p := range params {
				ps = append(ps, map[string]interface{}{
					"name":     p,
					"in":       "path",
					"required": true,
					"schema":   map[string]string{"type": "string"},
				})
			}
			op["parameters"] = ps
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			op["requestBody"] = map[string]interface{}{
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{
						"schema": map[string]string{"type": "object"},
					},
				},
			}
		}
		item[strings.ToLower(r.Method)] = op
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"paths": paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

// Handler serves the document.
func (g *Generator) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	}
}

func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", g.Handler())
}

// convertPath turns /sessions/:id into /sessions/{id}.
func convertPath(p string) (string, []string) {
	segs := strings.Split(p, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

// operationID extracts the method name from an echo route name such as
// "github.com/x/exam.(*Handler).ListForms-fm".
func operationID(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if strings.HasPrefix(name, "func") {
		return ""
	}
	return name
}

// tag groups operations by the first path segment after the API prefix.
func tag(p string) string {
	p = strings.TrimPrefix(p, "/api/v1")
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			return s
		}
	}
	return "root"
}

func responses(method string) map[string]interface{} {
	ok := "200"
	if method == http.MethodDelete {
		ok = "204"
	}
	return map[string]interface{}{
		ok:        map[string]string{"description": "Success"},
		"default": map[string]string{"description": "Error"},
	}
}
