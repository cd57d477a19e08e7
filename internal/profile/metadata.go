package profile

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Metadata is the validated metadata attached to a stored file.
type Metadata struct {
	Format        string
	InputTemplate string
	Attributes    map[string]string
	Provenance    *Provenance
}

// Provenance records where a stored file came from.
type Provenance struct {
	Source    string
	Converter string
	Added     time.Time
}

type xmlMetadata struct {
	XMLName       xml.Name       `xml:"CLAMMetaData"`
	Format        string         `xml:"format,attr"`
	InputTemplate string         `xml:"inputtemplate,attr,omitempty"`
	Meta          []xmlMeta      `xml:"meta"`
	Provenance    *xmlProvenance `xml:"provenance"`
}

type xmlMeta struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type xmlProvenance struct {
	Source    string `xml:"source,attr,omitempty"`
	Converter string `xml:"converter,attr,omitempty"`
	Added     string `xml:"added,attr,omitempty"`
}

// encode renders the metadata with attributes sorted by id.
func (m *Metadata) encode() ([]byte, error) {
	doc := xmlMetadata{
		Format:        m.Format,
		InputTemplate: m.InputTemplate,
	}

	for _, id := range slices.Sorted(maps.Keys(m.Attributes)) {
		doc.Meta = append(doc.Meta, xmlMeta{ID: id, Value: m.Attributes[id]})
	}

	if m.Provenance != nil {
		doc.Provenance = &xmlProvenance{
			Source:    m.Provenance.Source,
			Converter: m.Provenance.Converter,
		}

		if !m.Provenance.Added.IsZero() {
			doc.Provenance.Added = m.Provenance.Added.UTC().Format(time.RFC3339)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// Save writes the metadata to path, replacing any existing file.
func (m *Metadata) Save(path string) error {
	data, err := m.encode()
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename metadata: %w", err)
	}

	return nil
}

// LoadMetadata reads metadata saved with Save.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var doc xmlMetadata
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	m := &Metadata{
		Format:        doc.Format,
		InputTemplate: doc.InputTemplate,
		Attributes:    make(map[string]string, len(doc.Meta)),
	}

	for _, meta := range doc.Meta {
		m.Attributes[meta.ID] = meta.Value
	}

	if doc.Provenance != nil {
		m.Provenance = &Provenance{
			Source:    doc.Provenance.Source,
			Converter: doc.Provenance.Converter,
		}

		if doc.Provenance.Added != "" {
			if t, err := time.Parse(time.RFC3339, doc.Provenance.Added); err == nil {
				m.Provenance.Added = t
			}
		}
	}

	return m, nil
}
