package geo

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadStaticTable builds a StaticResolver from a JSON file mapping IP
// addresses to locations. Useful for deployments with a known egress set;
// larger installations wire a GeoIP-database-backed Resolver instead.
func LoadStaticTable(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo table: %w", err)
	}

	table := make(map[string]Location)
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse geo table: %w", err)
	}
	return &StaticResolver{Table: table}, nil
}
