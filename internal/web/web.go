// Package web serves the embedded chat client.
package web

import (
	"embed"
	"net/http"
)

//go:embed static/index.html static/index.ts
var staticFiles embed.FS

// Content types of the served files.
const (
	HTMLContentType   = "text/html; charset=utf-8"
	ScriptContentType = "application/javascript"
)

// IndexHTML returns the embedded page.
func IndexHTML() []byte {
	return mustRead("static/index.html")
}

// IndexScript returns the embedded client script.
func IndexScript() []byte {
	return mustRead("static/index.ts")
}

func mustRead(name string) []byte {
	data, err := staticFiles.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return data
}

// IndexHandler serves the page at "/" and 404s every other path it is
// asked for, so it can be mounted on the catch-all pattern.
func IndexHandler() http.Handler {
	page := IndexHTML()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", HTMLContentType)
		w.Write(page)
	})
}

// ScriptHandler serves the client script.
func ScriptHandler() http.Handler {
	script := IndexScript()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ScriptContentType)
		w.Write(script)
	})
}

// RegisterRoutes mounts the page and script on mux.
func RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /{$}", IndexHandler())
	mux.Handle("GET /index.ts", ScriptHandler())
}
