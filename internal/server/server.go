// Package server implements the admin web shell: an HTML CRUD surface over
// the mapper engine with a login gate, JSON import/export, and an optional
// change history page. Everything here is a thin layer; validation, relation
// maintenance, and integrity live in the engine.
package server

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/monou-jp/Shelflet/internal/engine"
	"github.com/monou-jp/Shelflet/internal/history"
	"github.com/monou-jp/Shelflet/internal/kvstore"
	"github.com/monou-jp/Shelflet/internal/schema"
	"github.com/monou-jp/Shelflet/internal/server/ratelimit"
)

//go:embed templates/*.html
var templateFS embed.FS

// Options carry the optional collaborators.
type Options struct {
	// History, when set, records every mutating request as a git commit.
	History *history.Log
	// Geo, when set, annotates login log lines with a country code.
	Geo *GeoChecker
}

// Server wires the engine to HTTP.
type Server struct {
	eng      *engine.Engine
	cfg      *Config
	sessions *sessions
	loginLim *ratelimit.Limiter
	hist     *history.Log
	geo      *GeoChecker
	tmpl     *template.Template
}

// New builds a server. Close releases the login rate limiter.
func New(eng *engine.Engine, cfg *Config, opts Options) (*Server, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"display": displayValue,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	s := &Server{
		eng:      eng,
		cfg:      cfg,
		sessions: newSessions(cfg.JWTSecret, time.Duration(cfg.SessionHours)*time.Hour),
		hist:     opts.History,
		geo:      opts.Geo,
		tmpl:     tmpl,
	}
	if n := cfg.RateLimits.LoginRatePerMin; n > 0 {
		s.loginLim = ratelimit.New(n, time.Minute, n)
	}
	return s, nil
}

// Close stops background goroutines.
func (s *Server) Close() {
	if s.loginLim != nil {
		s.loginLim.Close()
	}
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /login", s.public(s.handleLoginForm))
	mux.Handle("POST /login", s.public(s.handleLogin))
	mux.Handle("POST /logout", s.public(s.handleLogout))

	mux.Handle("GET /{$}", s.protected(s.handleIndex))
	mux.Handle("GET /m/{model}", s.protected(s.handleList))
	mux.Handle("GET /m/{model}/new", s.protected(s.handleNewForm))
	mux.Handle("POST /m/{model}/new", s.protected(s.handleCreate))
	mux.Handle("GET /m/{model}/{id}", s.protected(s.handleEditForm))
	mux.Handle("POST /m/{model}/{id}", s.protected(s.handleUpdate))
	mux.Handle("POST /m/{model}/{id}/delete", s.protected(s.handleDelete))
	mux.Handle("POST /m/{model}/{id}/unrelate/{relation}/{target}", s.protected(s.handleUnrelate))

	mux.Handle("GET /export", s.protected(s.handleExport))
	mux.Handle("POST /import", s.protected(s.handleImport))
	mux.Handle("GET /history", s.protected(s.handleHistory))

	mux.Handle("GET /api/schema", s.protected(s.handleAPISchema))
	mux.Handle("GET /api/models", s.protected(s.handleAPIModels))

	return mux
}

// handlerFunc is an HTTP handler that reports failure instead of writing the
// error response itself.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// httpError carries an explicit status through the wrapper.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errBadRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// public wraps a handler with error mapping only.
func (s *Server) public(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, h)
	})
}

// protected additionally requires a live session and, on mutating methods,
// commits the data directory to the history trail afterwards.
func (s *Server) protected(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.currentUser(r)
		if user == "" {
			if r.Method == http.MethodGet {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
			} else {
				http.Error(w, "login required", http.StatusUnauthorized)
			}
			return
		}
		s.serve(w, r, h)
		if isMutating(r.Method) && s.hist != nil {
			msg := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			if err := s.hist.Commit(r.Context(), history.Author{Name: user}, msg); err != nil {
				slog.ErrorContext(r.Context(), "Failed to commit history", "err", err)
			}
		}
	})
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch || method == http.MethodDelete
}

// serve runs the handler and maps the error taxonomy onto HTTP statuses.
// ValidationError never reaches here; form handlers re-render with the
// problems inline.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, h handlerFunc) {
	err := h(w, r)
	if err == nil {
		return
	}
	var (
		httpErr    *httpError
		notFound   *engine.NotFoundError
		integrity  *engine.IntegrityError
		schemaErr  *schema.Error
		storageErr *kvstore.StorageError
	)
	switch {
	case errors.As(err, &httpErr):
		http.Error(w, httpErr.msg, httpErr.status)
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &integrity):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &schemaErr):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &storageErr):
		slog.ErrorContext(r.Context(), "Storage failure", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
	default:
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	return nil
}

// displayValue renders a field value for listings.
func displayValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format("2006-01-02 15:04")
	case bool:
		if t {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(t)
	}
}
