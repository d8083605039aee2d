// Package manifest loads and validates app manifests.
//
// A manifest declares everything sys-validation needs to know about an
// app without running its code: which zomes exist, which entry
// definitions and link types each declares, and the publish receipt
// threshold. Manifests are written in YAML and checked against an
// embedded CUE schema before use; the manifest's canonical hash is the
// app identity ("DNA hash") that scopes every cell.
package manifest

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

//go:embed schema.cue
var schemaCUE string

// DefaultReceiptThreshold applies when the manifest does not override it.
const DefaultReceiptThreshold = 5

// EntryDef declares one entry definition inside a zome.
type EntryDef struct {
	Name       string                `yaml:"name"`
	Visibility types.EntryVisibility `yaml:"visibility"`
}

// Zome declares one integrity zome.
type Zome struct {
	Name      string     `yaml:"name"`
	EntryDefs []EntryDef `yaml:"entry_defs"`
	LinkTypes []string   `yaml:"link_types"`
}

// Manifest is the validated app declaration.
type Manifest struct {
	Name             string `yaml:"name"`
	ReceiptThreshold int    `yaml:"receipt_threshold"`
	Zomes            []Zome `yaml:"zomes"`
}

// Load reads, schema-checks and decodes a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Parse schema-checks and decodes manifest YAML.
func Parse(raw []byte) (*Manifest, error) {
	var decoded map[string]any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}

	if err := checkSchema(decoded); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.ReceiptThreshold == 0 {
		m.ReceiptThreshold = DefaultReceiptThreshold
	}
	for zi := range m.Zomes {
		for di := range m.Zomes[zi].EntryDefs {
			if m.Zomes[zi].EntryDefs[di].Visibility == "" {
				m.Zomes[zi].EntryDefs[di].Visibility = types.Public
			}
		}
	}
	return &m, nil
}

// checkSchema unifies the decoded manifest with the embedded CUE
// schema so malformed manifests are rejected with a position-bearing
// error before any Go-side defaulting runs.
func checkSchema(decoded map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("manifest schema missing #Manifest: %w", err)
	}
	val := ctx.Encode(decoded)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode manifest for schema check: %w", err)
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("manifest schema violation: %w", err)
	}
	return nil
}

// DnaHash is the app identity: the hash of the manifest's canonical
// serialization. Two nodes running byte-identical manifests land in
// the same network space.
func (m *Manifest) DnaHash() (hash.Hash, error) {
	zomes := make([]any, len(m.Zomes))
	for i, z := range m.Zomes {
		defs := make([]any, len(z.EntryDefs))
		for j, d := range z.EntryDefs {
			defs[j] = map[string]any{
				"name":       d.Name,
				"visibility": string(d.Visibility),
			}
		}
		links := make([]any, len(z.LinkTypes))
		for j, lt := range z.LinkTypes {
			links[j] = lt
		}
		zomes[i] = map[string]any{
			"name":       z.Name,
			"entry_defs": defs,
			"link_types": links,
		}
	}
	b, err := types.MarshalCanonical(map[string]any{
		"name":              m.Name,
		"receipt_threshold": m.ReceiptThreshold,
		"zomes":             zomes,
	})
	if err != nil {
		return hash.Hash{}, fmt.Errorf("hash manifest: %w", err)
	}
	return hash.Sum(hash.KindDna, b), nil
}

// CheckEntryType reports whether (zomeIndex, entryIndex) is declared,
// and whether the declared visibility matches.
func (m *Manifest) CheckEntryType(t types.AppEntryType) error {
	if int(t.ZomeIndex) >= len(m.Zomes) {
		return fmt.Errorf("zome index %d out of range (%d zomes declared)", t.ZomeIndex, len(m.Zomes))
	}
	z := m.Zomes[t.ZomeIndex]
	if int(t.EntryIndex) >= len(z.EntryDefs) {
		return fmt.Errorf("entry def index %d out of range in zome %q (%d defs declared)", t.EntryIndex, z.Name, len(z.EntryDefs))
	}
	if declared := z.EntryDefs[t.EntryIndex].Visibility; declared != t.Visibility {
		return fmt.Errorf("entry def %q declares %s visibility, action claims %s", z.EntryDefs[t.EntryIndex].Name, declared, t.Visibility)
	}
	return nil
}

// CheckLinkType reports whether (zomeIndex, linkType) is declared.
func (m *Manifest) CheckLinkType(zomeIndex, linkType uint8) error {
	if int(zomeIndex) >= len(m.Zomes) {
		return fmt.Errorf("zome index %d out of range (%d zomes declared)", zomeIndex, len(m.Zomes))
	}
	z := m.Zomes[zomeIndex]
	if int(linkType) >= len(z.LinkTypes) {
		return fmt.Errorf("link type %d out of range in zome %q (%d types declared)", linkType, z.Name, len(z.LinkTypes))
	}
	return nil
}
