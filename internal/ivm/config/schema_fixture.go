package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ivmcore/ivmcore/internal/ivm/schema"
)

// schemaFixture is the TOML shape of testdata/schema.toml (SPEC_FULL.md
// §3): one [tables.<name>] block per table, field names matching
// schema.Table's json-free, BurntSushi/toml-native tags.
type schemaFixture struct {
	Tables map[string]struct {
		IntrinsicFields []string `toml:"intrinsic_fields"`
		ParentRefs      []string `toml:"parent_refs"`
		Dependencies    []string `toml:"dependencies"`
	} `toml:"tables"`
}

// LoadSchema parses a schema.toml fixture into schema.Metadata. This is
// the path the demo daemon and integration tests take; a production host
// embedding the engine is expected to build schema.Metadata directly
// (spec §6: "the host supplies schema metadata programmatically").
func LoadSchema(path string) (schema.Metadata, error) {
	var fixture schemaFixture
	if _, err := toml.DecodeFile(path, &fixture); err != nil {
		return schema.Metadata{}, fmt.Errorf("config: decoding schema fixture %q: %w", path, err)
	}

	tables := make([]schema.Table, 0, len(fixture.Tables))
	for name, t := range fixture.Tables {
		tables = append(tables, schema.Table{
			Name:            name,
			IntrinsicFields: t.IntrinsicFields,
			ParentRefs:      t.ParentRefs,
			Dependencies:    t.Dependencies,
		})
	}

	meta, err := schema.New(tables)
	if err != nil {
		return schema.Metadata{}, fmt.Errorf("config: building schema metadata from %q: %w", path, err)
	}
	return meta, nil
}
