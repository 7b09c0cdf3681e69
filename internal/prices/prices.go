package prices

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Table maps asset short names to their XCP listing price. Assets with a
// non-positive price are never listed.
type Table map[string]float64

// priceFile is the on-disk shape: a flat asset→price mapping, optionally
// nested under a prices key.
type priceFile struct {
	Prices map[string]float64 `yaml:"prices"`
}

// LoadFile reads a YAML price table. Environment variables in the file are
// expanded before parsing.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var nested priceFile
	if err := yaml.Unmarshal([]byte(expanded), &nested); err == nil && len(nested.Prices) > 0 {
		return Table(nested.Prices), nil
	}

	var flat map[string]float64
	if err := yaml.Unmarshal([]byte(expanded), &flat); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	return Table(flat), nil
}

// PriceFor returns the listing price for an asset and whether one is set.
func (t Table) PriceFor(asset string) (float64, bool) {
	price, ok := t[asset]
	if !ok || price <= 0 {
		return 0, false
	}
	return price, true
}
