package descriptor

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalDirectJSON = `{
  "nodes": [
    { "type": "native", "name": "n0", "ip_address": "127.0.0.1", "reactive_port": 5000 }
  ],
  "modules": [
    { "type": "native", "name": "m", "node": "n0" }
  ],
  "connections": [
    { "direct": true, "to_module": "m", "to_input": "ep", "encryption": "aes" }
  ]
}`

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadMinimalDirectDescriptor(t *testing.T) {
	path := writeTemp(t, "descriptor.json", minimalDirectJSON)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Nodes) != 1 || len(cfg.Modules) != 1 || len(cfg.Connections) != 1 {
		t.Fatalf("unexpected counts: nodes=%d modules=%d conns=%d", len(cfg.Nodes), len(cfg.Modules), len(cfg.Connections))
	}
	if cfg.Format != FormatJSON {
		t.Errorf("Format = %v, want JSON", cfg.Format)
	}

	conn := cfg.Connections[0]
	if !conn.Direct {
		t.Error("expected direct connection")
	}
	if conn.Name != "conn0" {
		t.Errorf("connection name = %q, want conn0 (fallback)", conn.Name)
	}
	if len(conn.Key) != 16 {
		t.Errorf("auto-generated AES key length = %d, want 16", len(conn.Key))
	}

	mod := ModuleOf(cfg.Modules[0])
	if mod.Connections != 1 {
		t.Errorf("module connection refcount = %d, want 1", mod.Connections)
	}
}

func TestRoundTripJSON(t *testing.T) {
	path := writeTemp(t, "descriptor.json", minimalDirectJSON)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dumpPath := filepath.Join(t.TempDir(), "out.json")
	if err := Dump(cfg, dumpPath, nil); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	reloaded, err := Load(dumpPath)
	if err != nil {
		t.Fatalf("reload after dump: %v", err)
	}

	if len(reloaded.Connections) != 1 {
		t.Fatalf("reloaded connection count = %d", len(reloaded.Connections))
	}
	if reloaded.Connections[0].Name != cfg.Connections[0].Name {
		t.Errorf("connection name did not round-trip: got %q want %q",
			reloaded.Connections[0].Name, cfg.Connections[0].Name)
	}
	if string(reloaded.Connections[0].Key) != string(cfg.Connections[0].Key) {
		t.Error("connection key did not round-trip")
	}
}

func TestRoundTripYAML(t *testing.T) {
	path := writeTemp(t, "descriptor.json", minimalDirectJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	yamlFormat := FormatYAML
	dumpPath := filepath.Join(t.TempDir(), "out.yaml")
	if err := Dump(cfg, dumpPath, &yamlFormat); err != nil {
		t.Fatalf("Dump as YAML: %v", err)
	}

	reloaded, err := Load(dumpPath)
	if err != nil {
		t.Fatalf("reload YAML: %v", err)
	}
	if reloaded.Format != FormatYAML {
		t.Errorf("Format = %v, want YAML", reloaded.Format)
	}
	if len(reloaded.Modules) != 1 {
		t.Fatalf("reloaded module count = %d", len(reloaded.Modules))
	}
}

func TestNumericEndpointShortCircuit(t *testing.T) {
	calls := 0
	lookup := func(name string) (int, error) {
		calls++
		return 0x42, nil
	}

	id, err := ResolveEndpointID("7", lookup)
	if err != nil {
		t.Fatalf("ResolveEndpointID: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
	if calls != 0 {
		t.Errorf("expected lookup not called for numeric name, called %d times", calls)
	}

	id, err = ResolveEndpointID("sensor", lookup)
	if err != nil {
		t.Fatalf("ResolveEndpointID: %v", err)
	}
	if id != 0x42 {
		t.Errorf("id = %#x, want 0x42", id)
	}
	if calls != 1 {
		t.Errorf("expected lookup called once for non-numeric name, called %d times", calls)
	}
}

func TestBadDescriptorFormat(t *testing.T) {
	// Tab-indented "blocks" are invalid in both JSON and YAML.
	path := writeTemp(t, "descriptor.txt", "\tkey: value\n\t\tnested: bad\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading garbage file")
	}
}
