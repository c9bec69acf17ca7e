package topology

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a Topology.
type Document struct {
	ID       string         `yaml:"id" json:"id"`
	EntityID int64          `yaml:"entity_id" json:"entity_id"`
	Type     string         `yaml:"type" json:"type"`
	Label    string         `yaml:"label,omitempty" json:"label,omitempty"`
	Items    []ItemDocument `yaml:"items" json:"items"`
}

// ItemDocument is the serialized form of an Item.
type ItemDocument struct {
	Name      string   `yaml:"name" json:"name"`
	Type      string   `yaml:"type" json:"type"`
	ID        int64    `yaml:"id" json:"id"`
	Label     string   `yaml:"label,omitempty" json:"label,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// LoadFile reads and parses a YAML topology document.
func LoadFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology file %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a YAML topology document and resolves item references.
func Parse(data []byte) (*Topology, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML topology: %w", err)
	}
	return doc.Build()
}

// Build validates the document and links items to their dependencies.
func (d Document) Build() (*Topology, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("topology id is required")
	}

	t := &Topology{
		ID:       d.ID,
		EntityID: d.EntityID,
		Type:     d.Type,
		Label:    d.Label,
		Items:    make([]*Item, 0, len(d.Items)),
	}

	byName := make(map[string]*Item, len(d.Items))
	for _, id := range d.Items {
		if id.Name == "" {
			return nil, fmt.Errorf("topology %s: item name is required", d.ID)
		}
		if id.Type == "" {
			return nil, fmt.Errorf("topology %s: item %s has no type", d.ID, id.Name)
		}
		if _, exists := byName[id.Name]; exists {
			return nil, fmt.Errorf("topology %s: duplicate item %s", d.ID, id.Name)
		}
		item := &Item{
			Name:  id.Name,
			Type:  id.Type,
			ID:    id.ID,
			Label: id.Label,
		}
		byName[id.Name] = item
		t.Items = append(t.Items, item)
	}

	for _, id := range d.Items {
		item := byName[id.Name]
		for _, depName := range id.DependsOn {
			dep, ok := byName[depName]
			if !ok {
				return nil, fmt.Errorf("topology %s: item %s depends on unknown item %s", d.ID, id.Name, depName)
			}
			item.DependsOn = append(item.DependsOn, dep)
		}
	}

	return t, nil
}

// Document converts the topology back to its serialized form.
func (t *Topology) Document() Document {
	doc := Document{
		ID:       t.ID,
		EntityID: t.EntityID,
		Type:     t.Type,
		Label:    t.Label,
		Items:    make([]ItemDocument, 0, len(t.Items)),
	}
	for _, item := range t.Items {
		id := ItemDocument{
			Name:  item.Name,
			Type:  item.Type,
			ID:    item.ID,
			Label: item.Label,
		}
		for _, dep := range item.DependsOn {
			id.DependsOn = append(id.DependsOn, dep.Name)
		}
		doc.Items = append(doc.Items, id)
	}
	return doc
}
