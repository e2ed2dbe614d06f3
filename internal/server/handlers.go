// HTML page handlers for the admin shell.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/monou-jp/Shelflet/internal/engine"
	"github.com/monou-jp/Shelflet/internal/schema"
)

// loginView feeds the login template.
type loginView struct {
	Error string
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) error {
	if s.currentUser(r) != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return nil
	}
	return s.render(w, "login.html", loginView{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	ip := clientIP(r)
	if s.loginLim != nil {
		if res := s.loginLim.Allow(ip); !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			http.Error(w, "too many login attempts", http.StatusTooManyRequests)
			return nil
		}
	}
	if err := r.ParseForm(); err != nil {
		return errBadRequest("bad form: %v", err)
	}
	user := r.PostForm.Get("username")
	pass := r.PostForm.Get("password")
	country := ""
	if s.geo != nil {
		country = s.geo.CountryCode(ip)
	}
	if !s.checkPassword(user, pass) {
		slog.WarnContext(r.Context(), "Login rejected", "user", user, "ip", ip, "country", country)
		w.WriteHeader(http.StatusUnauthorized)
		return s.render(w, "login.html", loginView{Error: "wrong username or password"})
	}
	token, err := s.sessions.issue(user, ip)
	if err != nil {
		return err
	}
	setSessionCookie(w, token, time.Duration(s.cfg.SessionHours)*time.Hour)
	slog.InfoContext(r.Context(), "Login", "user", user, "ip", ip, "country", country)
	http.Redirect(w, r, "/", http.StatusSeeOther)
	return nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) error {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.revoke(c.Value)
	}
	clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
	return nil
}

// indexView lists every model with its record count.
type indexView struct {
	Models []modelCount
}

type modelCount struct {
	Name  string
	Count int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) error {
	view := indexView{}
	for _, md := range s.eng.Registry().Models() {
		n, err := s.eng.Count(md.Name)
		if err != nil {
			return err
		}
		view.Models = append(view.Models, modelCount{Name: md.Name, Count: n})
	}
	return s.render(w, "index.html", view)
}

// listView feeds the per-model listing.
type listView struct {
	Model   *schema.Model
	Columns []string
	Rows    []listRow
	Query   string
	Sort    string
}

type listRow struct {
	ID     int64
	Values []any
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) error {
	md, err := s.eng.Registry().Get(r.PathValue("model"))
	if err != nil {
		return err
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	sort := r.URL.Query().Get("sort")
	if sort != "" {
		if _, ok := md.Field(strings.TrimPrefix(sort, "-")); !ok {
			sort = ""
		}
	}

	var recs []*engine.Record
	if q != "" {
		needle := strings.ToLower(q)
		seq, err := s.eng.Filter(md.Name, func(rec *engine.Record) bool {
			for i := range md.Fields {
				f := &md.Fields[i]
				if f.Type != schema.FieldText {
					continue
				}
				if v, ok := rec.Fields[f.Name].(string); ok && strings.Contains(strings.ToLower(v), needle) {
					return true
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		for rec, err := range seq {
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
	} else {
		recs, err = s.eng.All(md.Name, engine.ListOptions{OrderBy: sort})
		if err != nil {
			return err
		}
	}

	view := listView{Model: md, Query: q, Sort: sort}
	for i := range md.Fields {
		view.Columns = append(view.Columns, md.Fields[i].Name)
	}
	for _, rec := range recs {
		row := listRow{ID: rec.ID}
		for _, col := range view.Columns {
			row.Values = append(row.Values, rec.Fields[col])
		}
		view.Rows = append(view.Rows, row)
	}
	return s.render(w, "list.html", view)
}

// formView feeds the create and edit templates.
type formView struct {
	Model     *schema.Model
	ID        int64 // 0 on create
	Fields    []fieldInput
	Relations []relationInput
	Reverse   []reverseList
	Error     string
}

type fieldInput struct {
	Spec  *schema.Field
	Value string
	Error string
}

type relationInput struct {
	Spec     *schema.Relation
	Options  []targetOption
	Selected map[int64]bool
	Error    string
}

type targetOption struct {
	ID    int64
	Label string
}

// reverseList shows a derived inverse relation on the edit page with
// unrelate links.
type reverseList struct {
	Relation *schema.Relation
	Targets  []targetOption
}

// recordLabel renders a record as a short human label: the first text field
// value, falling back to the id.
func recordLabel(md *schema.Model, rec *engine.Record) string {
	for i := range md.Fields {
		f := &md.Fields[i]
		if f.Type != schema.FieldText {
			continue
		}
		if v, ok := rec.Fields[f.Name].(string); ok && v != "" {
			return v
		}
	}
	return "#" + strconv.FormatInt(rec.ID, 10)
}

// buildForm assembles the form view for a model, filled from rec when
// editing.
func (s *Server) buildForm(md *schema.Model, rec *engine.Record) (formView, error) {
	view := formView{Model: md}
	if rec != nil {
		view.ID = rec.ID
	}
	for i := range md.Fields {
		f := &md.Fields[i]
		in := fieldInput{Spec: f}
		if rec != nil {
			in.Value = formValue(f, rec.Fields[f.Name])
		} else if f.Default != nil {
			in.Value = formValue(f, f.Default)
		}
		view.Fields = append(view.Fields, in)
	}
	for i := range md.Relations {
		rel := &md.Relations[i]
		if rel.Derived {
			if rec == nil {
				continue
			}
			targets, err := s.eng.Traverse(rec, rel.Name)
			if err != nil {
				return view, err
			}
			td, err := s.eng.Registry().Get(rel.Target)
			if err != nil {
				return view, err
			}
			rv := reverseList{Relation: rel}
			for _, t := range targets {
				rv.Targets = append(rv.Targets, targetOption{ID: t.ID, Label: recordLabel(td, t)})
			}
			view.Reverse = append(view.Reverse, rv)
			continue
		}
		in := relationInput{Spec: rel, Selected: map[int64]bool{}}
		td, err := s.eng.Registry().Get(rel.Target)
		if err != nil {
			return view, err
		}
		targets, err := s.eng.All(rel.Target, engine.ListOptions{})
		if err != nil {
			return view, err
		}
		for _, t := range targets {
			in.Options = append(in.Options, targetOption{ID: t.ID, Label: recordLabel(td, t)})
		}
		if rec != nil {
			for _, id := range relationIDs(rec, rel) {
				in.Selected[id] = true
			}
		}
		view.Relations = append(view.Relations, in)
	}
	return view, nil
}

func relationIDs(rec *engine.Record, rel *schema.Relation) []int64 {
	if rel.Kind == schema.ToOne {
		if id := rec.Ref(rel.Name); id != 0 {
			return []int64{id}
		}
		return nil
	}
	return rec.RefSet(rel.Name)
}

// formValue renders a stored value back into its form input string.
func formValue(f *schema.Field, v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format("2006-01-02T15:04")
	case bool:
		if t {
			return "on"
		}
		return ""
	default:
		return displayValue(v)
	}
}

// parseForm turns the submitted form into engine input. Unchecked checkboxes
// are absent from the post data, so boolean fields are read as presence.
func parseForm(md *schema.Model, r *http.Request) map[string]any {
	input := map[string]any{}
	for i := range md.Fields {
		f := &md.Fields[i]
		if f.Type == schema.FieldBoolean {
			input[f.Name] = r.PostForm.Get(f.Name) != ""
			continue
		}
		input[f.Name] = r.PostForm.Get(f.Name)
	}
	for i := range md.Relations {
		rel := &md.Relations[i]
		if rel.Derived {
			continue
		}
		if rel.Kind == schema.ToOne {
			input[rel.Name] = r.PostForm.Get(rel.Name)
			continue
		}
		input[rel.Name] = []string(r.PostForm[rel.Name])
	}
	return input
}

// applyErrors copies validation problems into the form view for redisplay.
func (view *formView) applyErrors(verr *engine.ValidationError, r *http.Request) {
	byField := map[string]string{}
	for _, fe := range verr.Errors {
		if _, dup := byField[fe.Field]; !dup {
			byField[fe.Field] = fe.Message
		}
	}
	for i := range view.Fields {
		f := view.Fields[i].Spec
		view.Fields[i].Error = byField[f.Name]
		view.Fields[i].Value = r.PostForm.Get(f.Name)
	}
	for i := range view.Relations {
		rel := view.Relations[i].Spec
		view.Relations[i].Error = byField[rel.Name]
		view.Relations[i].Selected = map[int64]bool{}
		for _, raw := range r.PostForm[rel.Name] {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				view.Relations[i].Selected[id] = true
			}
		}
	}
}

func (s *Server) handleNewForm(w http.ResponseWriter, r *http.Request) error {
	md, err := s.eng.Registry().Get(r.PathValue("model"))
	if err != nil {
		return err
	}
	view, err := s.buildForm(md, nil)
	if err != nil {
		return err
	}
	return s.render(w, "form.html", view)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) error {
	md, err := s.eng.Registry().Get(r.PathValue("model"))
	if err != nil {
		return err
	}
	if err := r.ParseForm(); err != nil {
		return errBadRequest("bad form: %v", err)
	}
	rec, err := s.eng.Create(md.Name, parseForm(md, r))
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			view, berr := s.buildForm(md, nil)
			if berr != nil {
				return berr
			}
			view.applyErrors(verr, r)
			w.WriteHeader(http.StatusBadRequest)
			return s.render(w, "form.html", view)
		}
		return err
	}
	http.Redirect(w, r, "/m/"+md.Name+"/"+strconv.FormatInt(rec.ID, 10), http.StatusSeeOther)
	return nil
}

func (s *Server) handleEditForm(w http.ResponseWriter, r *http.Request) error {
	md, rec, err := s.recordFromPath(r)
	if err != nil {
		return err
	}
	view, err := s.buildForm(md, rec)
	if err != nil {
		return err
	}
	return s.render(w, "form.html", view)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) error {
	md, rec, err := s.recordFromPath(r)
	if err != nil {
		return err
	}
	if err := r.ParseForm(); err != nil {
		return errBadRequest("bad form: %v", err)
	}
	if _, err := s.eng.Update(md.Name, rec.ID, parseForm(md, r)); err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			view, berr := s.buildForm(md, rec)
			if berr != nil {
				return berr
			}
			view.applyErrors(verr, r)
			w.WriteHeader(http.StatusBadRequest)
			return s.render(w, "form.html", view)
		}
		return err
	}
	http.Redirect(w, r, "/m/"+md.Name+"/"+strconv.FormatInt(rec.ID, 10), http.StatusSeeOther)
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) error {
	md, rec, err := s.recordFromPath(r)
	if err != nil {
		return err
	}
	if err := s.eng.Delete(md.Name, rec.ID); err != nil {
		return err
	}
	http.Redirect(w, r, "/m/"+md.Name, http.StatusSeeOther)
	return nil
}

func (s *Server) handleUnrelate(w http.ResponseWriter, r *http.Request) error {
	md, rec, err := s.recordFromPath(r)
	if err != nil {
		return err
	}
	target, err := strconv.ParseInt(r.PathValue("target"), 10, 64)
	if err != nil {
		return errBadRequest("bad target id %q", r.PathValue("target"))
	}
	if err := s.eng.Unrelate(md.Name, rec.ID, r.PathValue("relation"), target); err != nil {
		return err
	}
	http.Redirect(w, r, "/m/"+md.Name+"/"+strconv.FormatInt(rec.ID, 10), http.StatusSeeOther)
	return nil
}

// recordFromPath resolves {model} and {id} path values.
func (s *Server) recordFromPath(r *http.Request) (*schema.Model, *engine.Record, error) {
	md, err := s.eng.Registry().Get(r.PathValue("model"))
	if err != nil {
		return nil, nil, err
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return nil, nil, errBadRequest("bad record id %q", r.PathValue("id"))
	}
	rec, err := s.eng.Get(md.Name, id)
	if err != nil {
		return nil, nil, err
	}
	return md, rec, nil
}

// historyView feeds the change trail page.
type historyView struct {
	Enabled bool
	Entries []historyEntry
}

type historyEntry struct {
	Hash    string
	Message string
	Author  string
	When    string
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) error {
	view := historyView{Enabled: s.hist != nil}
	if s.hist != nil {
		entries, err := s.hist.Recent(50)
		if err != nil {
			return err
		}
		for _, e := range entries {
			view.Entries = append(view.Entries, historyEntry{
				Hash:    e.Hash[:min(12, len(e.Hash))],
				Message: strings.TrimSpace(e.Message),
				Author:  e.Author,
				When:    e.When.Format("2006-01-02 15:04:05"),
			})
		}
	}
	return s.render(w, "history.html", view)
}
