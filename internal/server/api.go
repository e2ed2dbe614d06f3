// JSON endpoints: bulk export/import and schema introspection.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/monou-jp/Shelflet/internal/interchange"
	"github.com/monou-jp/Shelflet/internal/schema"
)

// maxImportBytes bounds uploaded interchange documents.
const maxImportBytes = 32 << 20

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) error {
	doc, err := interchange.Export(s.eng)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="shelflet-export.json"`)
	return doc.Encode(w)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) error {
	body := r.Body
	// The form upload variant wraps the document in multipart data.
	if err := r.ParseMultipartForm(maxImportBytes); err == nil {
		f, _, err := r.FormFile("file")
		if err != nil {
			return errBadRequest("missing file upload: %v", err)
		}
		defer f.Close()
		body = f
	}
	doc, err := interchange.Decode(http.MaxBytesReader(w, body, maxImportBytes))
	if err != nil {
		return errBadRequest("bad interchange document: %v", err)
	}
	res, err := interchange.Import(s.eng, doc)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	if r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(res)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
	return nil
}

// handleAPISchema serves the JSON Schema of the interchange document format,
// for validating exports in external tooling.
func (s *Server) handleAPISchema(w http.ResponseWriter, r *http.Request) error {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	sch := reflector.Reflect(&interchange.Document{})
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sch)
}

// modelDescription is the wire form of one registered model.
type modelDescription struct {
	Name      string             `json:"name"`
	Fields    []fieldDescription `json:"fields"`
	Relations []relationDesc     `json:"relations,omitempty"`
}

type fieldDescription struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Required  bool   `json:"required,omitempty"`
	Unique    bool   `json:"unique,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Default   any    `json:"default,omitempty"`
}

type relationDesc struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Inverse  string `json:"inverse,omitempty"`
	OnDelete string `json:"on_delete,omitempty"`
	Derived  bool   `json:"derived,omitempty"`
}

// handleAPIModels serves the registered model definitions.
func (s *Server) handleAPIModels(w http.ResponseWriter, r *http.Request) error {
	var out []modelDescription
	for _, md := range s.eng.Registry().Models() {
		d := modelDescription{Name: md.Name}
		for i := range md.Fields {
			f := &md.Fields[i]
			d.Fields = append(d.Fields, fieldDescription{
				Name:      f.Name,
				Type:      string(f.Type),
				Required:  f.Required,
				Unique:    f.Unique,
				MaxLength: f.MaxLength,
				Default:   f.Default,
			})
		}
		for i := range md.Relations {
			rel := &md.Relations[i]
			rd := relationDesc{
				Name:    rel.Name,
				Kind:    string(rel.Kind),
				Target:  rel.Target,
				Inverse: rel.Inverse,
				Derived: rel.Derived,
			}
			if rel.Kind == schema.ToOne {
				rd.OnDelete = string(rel.OnDelete)
			}
			d.Relations = append(d.Relations, rd)
		}
		out = append(out, d)
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
