// Package typefile reads type definitions from YAML and converts JSON
// documents to and from records using stored schemes. It lets tools that
// have no Go types for the data register and edit objects.
//
// A type file lists types by name:
//
//	types:
//	  - name: Order
//	    alias: Sales order
//	    fields:
//	      - {name: items, kind: text, array: true}
//	      - {name: total, kind: decimal, optional: true}
//	      - {name: ship, kind: nested, target: Address, optional: true}
//	      - {name: customer, kind: reference, target: Customer}
//	  - name: Address
//	    fields:
//	      - {name: city, kind: text}
package typefile

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/attic/pkg/types"
)

type fileDoc struct {
	Types []typeDoc `yaml:"types"`
}

type typeDoc struct {
	Name   string     `yaml:"name"`
	Alias  string     `yaml:"alias,omitempty"`
	Fields []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Array    bool   `yaml:"array,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
	Target   string `yaml:"target,omitempty"`
}

// Parse reads a type file. Targets may name any type in the same file,
// including the type itself.
func Parse(r io.Reader) ([]types.TypeDescriptor, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, types.Invalid("parse types", "empty type file")
		}
		return nil, types.Invalid("parse types", "%v", err)
	}

	specs := make(map[string]*types.TypeSpec, len(doc.Types))
	for _, td := range doc.Types {
		if td.Name == "" {
			return nil, types.Invalid("parse types", "type without a name")
		}
		if _, dup := specs[td.Name]; dup {
			return nil, types.Invalid("parse types", "type %s defined twice", td.Name)
		}
		specs[td.Name] = types.NewType(td.Name).WithAlias(td.Alias)
	}

	out := make([]types.TypeDescriptor, 0, len(doc.Types))
	for _, td := range doc.Types {
		spec := specs[td.Name]
		for _, fd := range td.Fields {
			kind := types.ValueKind(fd.Kind)
			if !kind.Valid() {
				return nil, types.Invalid("parse types", "unknown kind %q", fd.Kind).WithField(td.Name + "." + fd.Name)
			}
			var opts []types.FieldOption
			if fd.Array {
				opts = append(opts, types.ArrayOf())
			}
			if fd.Optional {
				opts = append(opts, types.Optional())
			}
			if kind.Linked() {
				target, ok := specs[fd.Target]
				if !ok {
					return nil, types.Invalid("parse types", "unknown target %q", fd.Target).WithField(td.Name + "." + fd.Name)
				}
				opts = append(opts, types.Of(target))
			} else if fd.Target != "" {
				return nil, types.Invalid("parse types", "%s field has a target", kind).WithField(td.Name + "." + fd.Name)
			}
			spec.Field(fd.Name, kind, opts...)
		}
		out = append(out, spec)
	}
	return out, nil
}

// ReadFile parses the type file at path.
func ReadFile(path string) ([]types.TypeDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening type file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Marshal renders stored schemes back into type file form. Target scheme
// ids are resolved to names among infos and known.
func Marshal(infos []types.SchemeInfo, known ...types.SchemeInfo) ([]byte, error) {
	byID := make(map[string]string, len(infos)+len(known))
	for _, si := range append(known, infos...) {
		byID[si.Scheme.SchemeID] = si.Scheme.Name
	}
	doc := fileDoc{Types: make([]typeDoc, 0, len(infos))}
	for _, si := range infos {
		td := typeDoc{Name: si.Scheme.Name, Alias: si.Scheme.Alias}
		for _, st := range si.Structures {
			td.Fields = append(td.Fields, fieldDoc{
				Name:     st.Name,
				Kind:     string(st.Kind),
				Array:    st.Array,
				Optional: st.Optional,
				Target:   byID[st.TargetSchemeID],
			})
		}
		doc.Types = append(doc.Types, td)
	}
	return yaml.Marshal(&doc)
}
