package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DatabaseEntry describes one configured database the node can hand to a
// task: a label the task descriptor refers to, and a URI or host path.
type DatabaseEntry struct {
	Label string `yaml:"label"`
	URI   string `yaml:"uri"`
	Type  string `yaml:"type,omitempty"`
}

// Databases holds the node's configured databases, indexed by label.
// The config.yaml databases key has shipped in two incompatible shapes over
// time: a legacy map[label]uri, and a modern list of {label,uri,type}
// entries. UnmarshalYAML accepts both so operators upgrading their config
// at their own pace don't get a hard parse failure.
type Databases struct {
	Entries []DatabaseEntry
	byLabel map[string]DatabaseEntry
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting either shape.
func (d *Databases) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var legacy map[string]string
		if err := value.Decode(&legacy); err != nil {
			return fmt.Errorf("decoding legacy databases map: %w", err)
		}
		d.Entries = make([]DatabaseEntry, 0, len(legacy))
		for label, uri := range legacy {
			d.Entries = append(d.Entries, DatabaseEntry{Label: label, URI: uri})
		}
	case yaml.SequenceNode:
		var modern []DatabaseEntry
		if err := value.Decode(&modern); err != nil {
			return fmt.Errorf("decoding databases list: %w", err)
		}
		d.Entries = modern
	case 0:
		// Key omitted entirely.
		d.Entries = nil
	default:
		return fmt.Errorf("databases: expected a map or a list, got %v", value.Kind)
	}

	d.byLabel = make(map[string]DatabaseEntry, len(d.Entries))
	for _, e := range d.Entries {
		if e.Label == "" {
			return fmt.Errorf("databases: entry with uri %q is missing a label", e.URI)
		}
		d.byLabel[e.Label] = e
	}
	return nil
}

// Lookup returns the database entry for label, and whether it was found.
func (d Databases) Lookup(label string) (DatabaseEntry, bool) {
	if d.byLabel == nil {
		return DatabaseEntry{}, false
	}
	e, ok := d.byLabel[label]
	return e, ok
}
