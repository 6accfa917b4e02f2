package mmm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the replication topology loaded from YAML:
//
//	master:
//	  id: 'server-a'
//	  uri: 'mongodb://localhost:27017'
//	replications:
//	  - id: 'server-b'
//	    uri: 'mongodb://localhost:27019'
//	    operations: 'iud'
//	    namespaces:
//	      - source: 'mydb.mycol'
//	        dest: 'otherdb.othercol'
type Config struct {
	Master       Master        `yaml:"master"`
	Replications []Replication `yaml:"replications"`
}

// Master identifies the local node whose oplog is tailed.
type Master struct {
	Name string `yaml:"name,omitempty"`
	ID   string `yaml:"id"`
	URI  string `yaml:"uri"`
}

// Replication configures one destination node.
type Replication struct {
	Name string `yaml:"name,omitempty"`
	ID   string `yaml:"id"`
	URI  string `yaml:"uri"`
	// Operations is the subset of "iud" to replicate; all three when
	// empty.
	Operations string             `yaml:"operations,omitempty"`
	Namespaces []NamespaceMapping `yaml:"namespaces"`
}

// NamespaceMapping maps one source collection (exact "db.col" or wildcard
// "db.*") to a destination collection.
type NamespaceMapping struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
}

// LoadConfig reads and validates a topology file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology %s: %v", path, err)
	}
	return config, nil
}

// Ops returns the configured operation set, defaulting to all of "iud".
func (r *Replication) Ops() string {
	if r.Operations == "" {
		return "iud"
	}
	return r.Operations
}

func (c *Config) Validate() error {
	if c.Master.ID == "" {
		return fmt.Errorf("master: missing id")
	}
	if c.Master.URI == "" {
		return fmt.Errorf("master: missing uri")
	}
	if len(c.Replications) == 0 {
		return fmt.Errorf("no replications configured")
	}
	for i := range c.Replications {
		if err := c.Replications[i].validate(c.Master.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replication) validate(masterID string) error {
	if r.ID == "" {
		return fmt.Errorf("replication: missing id")
	}
	if r.ID == masterID {
		return fmt.Errorf("replication %s: id collides with master", r.ID)
	}
	if r.URI == "" {
		return fmt.Errorf("replication %s: missing uri", r.ID)
	}
	for _, op := range r.Ops() {
		if !strings.ContainsRune("iud", op) {
			return fmt.Errorf("replication %s: invalid operation %q", r.ID, op)
		}
	}
	if len(r.Namespaces) == 0 {
		return fmt.Errorf("replication %s: no namespaces", r.ID)
	}
	for _, ns := range r.Namespaces {
		if _, _, err := splitNamespace(ns.Source); err != nil {
			return fmt.Errorf("replication %s: source: %v", r.ID, err)
		}
		if _, col, err := splitNamespace(ns.Dest); err != nil {
			return fmt.Errorf("replication %s: dest: %v", r.ID, err)
		} else if col == "*" {
			return fmt.Errorf("replication %s: dest %s: wildcard not allowed", r.ID, ns.Dest)
		}
	}
	return nil
}
