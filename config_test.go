package mmm

import (
	"os"
	"path/filepath"
	"testing"
)

const topologyYAML = `
master:
  name: 'server a'
  id: 'server-a'
  uri: 'mongodb://localhost:27017'
replications:
  - name: 'server b'
    id: 'server-b'
    uri: 'mongodb://localhost:27019'
    operations: 'iu'
    namespaces:
      - source: 'mydb.mycol'
        dest: 'otherdb.othercol'
      - source: 'mydb.*'
        dest: 'otherdb.anothercol'
  - id: 'server-c'
    uri: 'mongodb://localhost:27021'
    namespaces:
      - source: 'mydb.mycol'
        dest: 'mydb.mycol'
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeTopology(t, topologyYAML))
	if err != nil {
		t.Fatal(err)
	}
	if config.Master.ID != "server-a" {
		t.Fail()
	}
	if len(config.Replications) != 2 {
		t.Fatalf("want 2 replications, got %d", len(config.Replications))
	}
	if config.Replications[0].Ops() != "iu" {
		t.Fail()
	}
	// Operations defaults to all three.
	if config.Replications[1].Ops() != "iud" {
		t.Fail()
	}
	if config.Replications[0].Namespaces[1].Source != "mydb.*" {
		t.Fail()
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fail()
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing master id", `
master: {uri: 'mongodb://localhost'}
replications:
  - {id: 'b', uri: 'mongodb://remote', namespaces: [{source: 'a.b', dest: 'a.b'}]}
`},
		{"no replications", `
master: {id: 'a', uri: 'mongodb://localhost'}
replications: []
`},
		{"bad operation", `
master: {id: 'a', uri: 'mongodb://localhost'}
replications:
  - {id: 'b', uri: 'mongodb://remote', operations: 'ix', namespaces: [{source: 'a.b', dest: 'a.b'}]}
`},
		{"destination wildcard", `
master: {id: 'a', uri: 'mongodb://localhost'}
replications:
  - {id: 'b', uri: 'mongodb://remote', namespaces: [{source: 'a.b', dest: 'a.*'}]}
`},
		{"id collision", `
master: {id: 'a', uri: 'mongodb://localhost'}
replications:
  - {id: 'a', uri: 'mongodb://remote', namespaces: [{source: 'a.b', dest: 'a.b'}]}
`},
		{"bad source namespace", `
master: {id: 'a', uri: 'mongodb://localhost'}
replications:
  - {id: 'b', uri: 'mongodb://remote', namespaces: [{source: 'nodot', dest: 'a.b'}]}
`},
	}
	for _, c := range cases {
		if _, err := LoadConfig(writeTopology(t, c.yaml)); err == nil {
			t.Errorf("%s: want error", c.name)
		}
	}
}
