package api

import "net/http"

// route describes one API operation for the OpenAPI document.
type route struct {
	method    string
	path      string
	id        string
	summary   string
	public    bool
	responses map[string]string
}

var routes = []route{
	{method: "get", path: "/healthz", id: "healthz", summary: "Liveness and dispatcher state", public: true,
		responses: map[string]string{"200": "Healthy"}},
	{method: "get", path: "/metrics", id: "metrics", summary: "Prometheus metrics", public: true,
		responses: map[string]string{"200": "Metrics in text exposition format"}},
	{method: "post", path: "/submit", id: "submit", summary: "Queue one cell for execution",
		responses: map[string]string{"202": "Queued", "400": "Bad request", "429": "Rate limited"}},
	{method: "post", path: "/run-all", id: "runAll", summary: "Queue cells as one bracketed batch",
		responses: map[string]string{"202": "Queued", "400": "Bad request", "429": "Rate limited"}},
	{method: "post", path: "/stop", id: "stop", summary: "Discard every queued cell",
		responses: map[string]string{"200": "Backlog discarded"}},
	{method: "get", path: "/status", id: "status", summary: "Dispatcher snapshot",
		responses: map[string]string{"200": "Snapshot"}},
	{method: "get", path: "/history", id: "listHistory", summary: "Recent dispatches, newest first",
		responses: map[string]string{"200": "Dispatches", "400": "Bad limit", "503": "No journal"}},
	{method: "get", path: "/history/{id}", id: "getHistory", summary: "One dispatch",
		responses: map[string]string{"200": "Dispatch", "404": "Not found", "503": "No journal"}},
	{method: "get", path: "/events", id: "events", summary: "Server-sent event stream",
		responses: map[string]string{"200": "text/event-stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the API routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}

	for _, rt := range routes {
		responses := map[string]any{}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}
		if !rt.public {
			responses["401"] = map[string]any{"description": "Missing or invalid API key"}
		}

		operation := map[string]any{
			"operationId": rt.id,
			"summary":     rt.summary,
			"responses":   responses,
		}
		if !rt.public {
			operation["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "cellgate",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
