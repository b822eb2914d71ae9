package httpapi

import "net/http"

const openapiJSON = `{
  "openapi": "3.0.3",
  "info": { "title": "mikroscope", "version": "1" },
  "paths": {
    "/health": { "get": { "summary": "composite health report" } },
    "/api/ingest": { "post": { "summary": "authenticated log ingest" } },
    "/api/logs": { "get": { "summary": "query the index with cursor pagination" } },
    "/api/logs/aggregate": { "get": { "summary": "grouped counts" } },
    "/api/reindex": { "post": { "summary": "wipe and rescan from scratch" } },
    "/api/alerts/config": {
      "get": { "summary": "read the alert policy" },
      "put": { "summary": "patch the alert policy" }
    },
    "/api/alerts/test-webhook": { "post": { "summary": "send a manual test alert" } }
  }
}
`

const openapiYAML = `openapi: 3.0.3
info:
  title: mikroscope
  version: "1"
paths:
  /health:
    get:
      summary: composite health report
  /api/ingest:
    post:
      summary: authenticated log ingest
  /api/logs:
    get:
      summary: query the index with cursor pagination
  /api/logs/aggregate:
    get:
      summary: grouped counts
  /api/reindex:
    post:
      summary: wipe and rescan from scratch
  /api/alerts/config:
    get:
      summary: read the alert policy
    put:
      summary: patch the alert policy
  /api/alerts/test-webhook:
    post:
      summary: send a manual test alert
`

const docsHTML = `<!DOCTYPE html>
<html>
<head><title>mikroscope</title></head>
<body>
<h1>mikroscope</h1>
<p>See <a href="/openapi.json">/openapi.json</a> or <a href="/openapi.yaml">/openapi.yaml</a> for the API document.</p>
</body>
</html>
`

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openapiJSON))
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openapiYAML))
}

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsHTML))
}
