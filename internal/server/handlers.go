package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/quill/internal/engine"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/vars"
)

// maxBodySize bounds POSTed render variables.
const maxBodySize = 1 << 20

const liveReloadScript = `<script>(function(){var p=location.protocol==="https:"?"wss://":"ws://";` +
	`var ws=new WebSocket(p+location.host+"/ws");ws.onmessage=function(){location.reload()};})();</script>`

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": engine.Version,
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Provider("")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lister, ok := p.(provider.Lister)
	if !ok {
		http.Error(w, "template provider cannot list templates", http.StatusNotImplemented)
		return
	}
	names, err := lister.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": names})
}

// handleInvalidate drops the named templates, or the whole table when no
// name is given.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	if len(names) == 0 {
		s.engine.Flush()
		writeJSON(w, http.StatusOK, map[string]interface{}{"flushed": true})
		return
	}
	n := s.engine.Invalidate(names...)
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": n})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "template name required", http.StatusBadRequest)
		return
	}

	data, err := s.requestVars(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := s.engine.Display(r.Context(), &buf, name, data); err != nil {
		s.writeError(w, r, err)
		return
	}

	out := buf.Bytes()
	if s.config.LiveReload {
		out = injectLiveReload(out)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// requestVars merges the server variables, the query string (k=v pairs,
// dotted keys nest) and a JSON object body, later sources winning.
func (s *Server) requestVars(r *http.Request) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(s.vars))
	vars.Merge(data, deepCopy(s.vars))

	var pairs []string
	for key, values := range r.URL.Query() {
		for _, v := range values {
			pairs = append(pairs, key+"="+v)
		}
	}
	sort.Strings(pairs)
	query, err := vars.ParsePairs(pairs)
	if err != nil {
		return nil, err
	}
	vars.Merge(data, query)

	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			var posted map[string]interface{}
			if err := json.Unmarshal(body, &posted); err != nil {
				return nil, fmt.Errorf("body must be a JSON object: %w", err)
			}
			vars.Merge(data, posted)
		}
	}
	return data, nil
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(child)
			continue
		}
		out[k] = v
	}
	return out
}

func injectLiveReload(page []byte) []byte {
	i := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if i < 0 {
		return page
	}
	out := make([]byte, 0, len(page)+len(liveReloadScript))
	out = append(out, page[:i]...)
	out = append(out, liveReloadScript...)
	return append(out, page[i:]...)
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case qerrors.IsNotFound(err):
		status = http.StatusNotFound
	case qerrors.IsLex(err), qerrors.IsSyntax(err):
		status = http.StatusUnprocessableEntity
	case qerrors.IsConfig(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "Request failed", "path", r.URL.Path)
	} else {
		s.logger.Debug(r.Context(), "Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	body := map[string]interface{}{"error": qerrors.FormatError(err)}
	for k, v := range qerrors.GetErrorContext(err) {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error(r.Context(), fmt.Errorf("panic: %v", p), "Handler panicked", "path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		start := time.Now()
		handler.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// isAllowedOrigin checks if the origin is in the allowed origins list
func (s *Server) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
