package descriptor

import (
	"os"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Dump writes cfg back to disk. format, if non-nil, overrides the sticky
// choice (the format the file was loaded as); path, if empty, overwrites
// cfg.Path (spec.md §4.4: "Output format is a 'sticky' choice: the value
// given on the command line, else the type the file was parsed as").
func Dump(cfg *Config, path string, format *Format) error {
	out := format
	if out == nil {
		f := cfg.Format
		out = &f
	}

	raw := toRaw(cfg)

	data, err := encode(*out, raw)
	if err != nil {
		return err
	}

	target := path
	if target == "" {
		target = cfg.Path
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.DescInvalidFormat, "writing descriptor file", err)
	}
	return nil
}

func toRaw(cfg *Config) rawConfig {
	raw := rawConfig{}

	for _, n := range cfg.Nodes {
		raw.Nodes = append(raw.Nodes, dumpNode(n))
	}
	for _, m := range cfg.Modules {
		raw.Modules = append(raw.Modules, dumpModule(m))
	}
	for _, c := range cfg.Connections {
		raw.Connections = append(raw.Connections, dumpConnection(c))
	}
	for _, e := range cfg.PeriodicEvents {
		raw.PeriodicEvents = append(raw.PeriodicEvents, dumpPeriodicEvent(e))
	}

	return raw
}

func ptrU16(v uint16) *uint16 { return &v }
func ptrBool(v bool) *bool    { return &v }

func dumpNode(n any) rawNode {
	base := NodeOf(n)
	r := rawNode{
		Type:         base.Kind.String(),
		Name:         base.Name,
		IPAddress:    base.IPAddress.String(),
		ReactivePort: base.ReactivePort,
		DeployPort:   ptrU16(base.DeployPort),
	}

	switch v := n.(type) {
	case *SancusNode:
		r.VendorID = ptrU16(v.VendorID)
		r.VendorKey = HexBytes(v.VendorKey)
	case *SGXNode:
		r.ModuleID = ptrU16(v.ModuleIDCounter)
		r.AESMPort = ptrU16(v.AESMPort)
	case *TrustZoneNode:
		r.NodeNumber = ptrU16(v.NodeNumber)
	case *NativeNode:
		// no extra fields
	}
	return r
}

func dumpModule(m any) rawModule {
	base := ModuleOf(m)
	r := rawModule{
		Type:     base.Kind.String(),
		Name:     base.Name,
		Node:     base.NodeName,
		Priority: base.Priority,
		Deployed: ptrBool(base.Deployed),
		Attested: ptrBool(base.Attested),
		Nonce:    ptrU16(base.Nonce),
		Binary:   base.Binary,
		Key:      HexBytes(base.Key),
	}

	switch v := m.(type) {
	case *SancusModule:
		r.Files = v.Files
		r.CFlags = v.CFlags
		r.LDFlags = v.LDFlags
		r.ID = ptrU16(v.ID)
		r.Symtab = v.Symtab
	case *SgxModule:
		r.VendorKeyPath = v.VendorKey
		r.RASettings = v.RASettings
		r.Features = v.Features
		r.SGXS = v.SGXS
		r.Signature = v.Signature
		r.Data = v.Data
		r.ID = ptrU16(v.ID)
	case *NativeModule:
		r.Features = v.Features
		r.Data = v.Data
		r.ID = ptrU16(v.ID)
		r.Port = ptrU16(v.Port)
		r.Folder = v.Folder
	case *TrustZoneModule:
		r.FilesDir = v.FilesDir
		r.Inputs = v.Inputs
		r.Outputs = v.Outputs
		r.Entrypoints = v.Entrypoints
		r.ID = ptrU16(v.ID)
		r.UUID = v.UUID
	}
	return r
}

func dumpConnection(c *Connection) rawConnection {
	r := rawConnection{
		Name:        c.Name,
		ToModule:    c.ToModule,
		Encryption:  c.Encryption.String(),
		Key:         HexBytes(c.Key),
		ID:          ptrU16(c.ID),
		Direct:      ptrBool(c.Direct),
		Nonce:       ptrU16(c.Nonce),
		Established: ptrBool(c.Established),
	}
	if !c.Direct {
		fm := c.FromModule
		r.FromModule = &fm
		if c.FromOutput != "" {
			r.FromOutput = &c.FromOutput
		}
		if c.FromRequest != "" {
			r.FromRequest = &c.FromRequest
		}
	}
	if c.ToInput != "" {
		r.ToInput = &c.ToInput
	}
	if c.ToHandler != "" {
		r.ToHandler = &c.ToHandler
	}
	return r
}

func dumpPeriodicEvent(e *PeriodicEvent) rawPeriodicEvent {
	return rawPeriodicEvent{
		Name:        e.Name,
		ID:          ptrU16(e.ID),
		Module:      e.Module,
		Entry:       e.Entry,
		Frequency:   e.FrequencyMs,
		Established: ptrBool(e.Established),
	}
}
