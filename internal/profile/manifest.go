package profile

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ManifestInput is an indexed input file listed in a Manifest.
type ManifestInput struct {
	Name     string
	Template string
	Sequence int
}

// Manifest is the job description written into the project directory before
// dispatch. The external command reads it through $DATAFILE.
type Manifest struct {
	SystemID   string
	SystemName string
	User       string
	Project    string
	Created    time.Time
	Parameters map[string]string
	Profiles   []Profile
	Inputs     []ManifestInput
	Outputs    []OutputTemplate
}

type xmlManifest struct {
	XMLName    xml.Name            `xml:"clam"`
	SystemID   string              `xml:"system_id,attr"`
	SystemName string              `xml:"system_name,attr"`
	User       string              `xml:"user,attr"`
	Project    string              `xml:"project,attr"`
	Created    string              `xml:"created,attr"`
	Parameters []xmlManifestParam  `xml:"parameters>parameter"`
	Profiles   []xmlManifestRef    `xml:"profiles>profile"`
	Inputs     []xmlManifestInput  `xml:"input>file"`
	Outputs    []xmlManifestOutput `xml:"output>outputtemplate"`
}

type xmlManifestParam struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type xmlManifestRef struct {
	ID string `xml:"id,attr"`
}

type xmlManifestInput struct {
	Name     string `xml:",chardata"`
	Template string `xml:"template,attr"`
	Sequence int    `xml:"seq,attr"`
}

type xmlManifestOutput struct {
	ID        string `xml:"id,attr"`
	Label     string `xml:"label,attr,omitempty"`
	Format    string `xml:"format,attr,omitempty"`
	Filename  string `xml:"filename,attr,omitempty"`
	Extension string `xml:"extension,attr,omitempty"`
}

// Encode renders the manifest as XML.
func (m *Manifest) Encode() ([]byte, error) {
	doc := xmlManifest{
		SystemID:   m.SystemID,
		SystemName: m.SystemName,
		User:       m.User,
		Project:    m.Project,
		Created:    m.Created.UTC().Format(time.RFC3339),
	}

	for _, id := range slices.Sorted(maps.Keys(m.Parameters)) {
		doc.Parameters = append(doc.Parameters, xmlManifestParam{
			ID:    id,
			Value: m.Parameters[id],
		})
	}

	for _, p := range m.Profiles {
		doc.Profiles = append(doc.Profiles, xmlManifestRef{ID: p.ID})
	}

	for _, in := range m.Inputs {
		doc.Inputs = append(doc.Inputs, xmlManifestInput(in))
	}

	for _, out := range m.Outputs {
		doc.Outputs = append(doc.Outputs, xmlManifestOutput{
			ID:        out.ID,
			Label:     out.Label,
			Format:    out.Format,
			Filename:  out.Filename,
			Extension: out.Extension,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}
