// Package topology holds the in-memory model of every message space.
// This file implements loading and validating the YAML catalog.
package topology

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/amsd/internal/mams"
)

// Catalog is the static description of every message space, loaded once at
// startup. Example:
//
//	cs_endpoints:
//	  - "cs1.example.net:2357"
//	  - "cs2.example.net:2357"
//	ventures:
//	  - nbr: 1
//	    application: amsdemo
//	    authority: test
//	    roles:
//	      - {nbr: 1, name: shell}
//	      - {nbr: 2, name: log}
//	    units:
//	      - {nbr: 1, name: orbiters, resync_period: 6}
//	      - {nbr: 2, name: ground}
type Catalog struct {
	CSEndpoints []string      `yaml:"cs_endpoints"`
	Ventures    []VentureSpec `yaml:"ventures"`
}

// VentureSpec declares one venture.
type VentureSpec struct {
	Application string     `yaml:"application"`
	Authority   string     `yaml:"authority"`
	Roles       []RoleSpec `yaml:"roles"`
	Units       []UnitSpec `yaml:"units"`
	Nbr         int        `yaml:"nbr"`
}

// RoleSpec declares one role.
type RoleSpec struct {
	Name string `yaml:"name"`
	Nbr  int    `yaml:"nbr"`
}

// UnitSpec declares one unit. Declaring unit 0 only names the root unit or
// sets its resync period.
type UnitSpec struct {
	Name         string `yaml:"name"`
	Nbr          int    `yaml:"nbr"`
	ResyncPeriod int    `yaml:"resync_period"`
}

// EndpointParser resolves an endpoint name into a transport endpoint.
type EndpointParser func(name string) (*mams.Endpoint, error)

// ParseCatalog decodes a YAML catalog. Unknown keys are errors.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// LoadCatalog reads and decodes the catalog file at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(bytes.NewReader(data))
}

// Build validates the catalog and materializes it as a Topology.
//
// Parameters:
//   - parse: resolves each catalogued CS endpoint through the transport
//
// Returns:
//   - A topology ready to be shared by engines
//   - An error naming the first invalid declaration
func (c *Catalog) Build(parse EndpointParser) (*Topology, error) {
	t := New()

	eps := make([]*mams.Endpoint, 0, len(c.CSEndpoints))
	for i, name := range c.CSEndpoints {
		if slices.Contains(c.CSEndpoints[:i], name) {
			return nil, fmt.Errorf("%w: CS endpoint %q", ErrDuplicate, name)
		}
		ep, err := parse(name)
		if err != nil {
			return nil, fmt.Errorf("CS endpoint %q: %w", name, err)
		}
		eps = append(eps, ep)
	}
	t.SetCSEndpoints(eps)

	for _, vs := range c.Ventures {
		if vs.Application == "" || vs.Authority == "" {
			return nil, fmt.Errorf("venture %d: application and authority names are required", vs.Nbr)
		}
		v, err := t.AddVenture(vs.Nbr, vs.Application, vs.Authority)
		if err != nil {
			return nil, err
		}
		for _, rs := range vs.Roles {
			if _, err := v.AddRole(rs.Nbr, rs.Name); err != nil {
				return nil, err
			}
		}
		for _, us := range vs.Units {
			if us.Nbr == 0 {
				if us.ResyncPeriod < 0 {
					return nil, fmt.Errorf("%w: resync period %d", ErrOutOfRange, us.ResyncPeriod)
				}
				root := v.Units[0]
				root.Name = us.Name
				root.Cell.ResyncPeriod = us.ResyncPeriod
				continue
			}
			if _, err := v.AddUnit(us.Nbr, us.Name, us.ResyncPeriod); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}
