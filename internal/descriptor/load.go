package descriptor

import (
	"crypto/rand"
	"encoding/json"
	"net"

	"gopkg.in/yaml.v3"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Load reads a descriptor file, auto-detecting JSON vs YAML, validates every
// entity against the declarative rule set, and builds the in-memory Config.
func Load(path string) (*Config, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawConfig
	format, err := decodeAny(data, &raw)
	if err != nil {
		return nil, err
	}

	var genericDoc map[string]any
	if format == FormatJSON {
		_ = json.Unmarshal(data, &genericDoc)
	} else {
		_ = yaml.Unmarshal(data, &genericDoc)
	}

	if err := validateAll(raw, genericDoc); err != nil {
		return nil, err
	}

	cfg := &Config{Path: path, Format: format}

	for _, rn := range raw.Nodes {
		n, err := buildNode(rn)
		if err != nil {
			return nil, err
		}
		cfg.Nodes = append(cfg.Nodes, n)
	}

	for _, rm := range raw.Modules {
		node, err := cfg.GetNode(rm.Node)
		if err != nil {
			return nil, err
		}
		m, err := buildModule(rm, NodeOf(node))
		if err != nil {
			return nil, err
		}
		cfg.Modules = append(cfg.Modules, m)
	}

	for _, rc := range raw.Connections {
		conn, err := buildConnection(cfg, rc)
		if err != nil {
			return nil, err
		}
		cfg.Connections = append(cfg.Connections, conn)
	}

	for _, re := range raw.PeriodicEvents {
		ev, err := buildPeriodicEvent(cfg, re)
		if err != nil {
			return nil, err
		}
		cfg.PeriodicEvents = append(cfg.PeriodicEvents, ev)
	}

	return cfg, nil
}

func validateAll(raw rawConfig, doc map[string]any) error {
	rs := &ruleSet{}

	rawNodes, _ := doc["nodes"].([]any)
	for i, rn := range raw.Nodes {
		var m map[string]any
		if i < len(rawNodes) {
			m, _ = rawNodes[i].(map[string]any)
		}
		validateRawNode(rs, entityLabel("node", rn.Name), m)
	}

	rawModules, _ := doc["modules"].([]any)
	for i, rm := range raw.Modules {
		var m map[string]any
		if i < len(rawModules) {
			m, _ = rawModules[i].(map[string]any)
		}
		validateRawModule(rs, entityLabel("module", rm.Name), m)
	}

	rawConns, _ := doc["connections"].([]any)
	for i, rc := range raw.Connections {
		var m map[string]any
		if i < len(rawConns) {
			m, _ = rawConns[i].(map[string]any)
		}
		validateRawConnection(rs, entityLabel("connection", rc.Name), m)
	}

	rawEvents, _ := doc["periodic-events"].([]any)
	for i, re := range raw.PeriodicEvents {
		var m map[string]any
		if i < len(rawEvents) {
			m, _ = rawEvents[i].(map[string]any)
		}
		validateRawPeriodicEvent(rs, entityLabel("event", re.Name), m)
	}

	return rs.err()
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, apperrors.New(apperrors.DescBadIP, "invalid IP address").WithDetail("value", s)
	}
	return ip, nil
}

func deployPortOr(rn rawNode) uint16 {
	if rn.DeployPort != nil {
		return *rn.DeployPort
	}
	return rn.ReactivePort
}

func buildNode(rn rawNode) (any, error) {
	ip, err := parseIP(rn.IPAddress)
	if err != nil {
		return nil, err
	}

	switch rn.Type {
	case "sancus":
		return &SancusNode{
			Node: Node{
				Kind: NodeSancus, Name: rn.Name, IPAddress: ip,
				ReactivePort: rn.ReactivePort, DeployPort: deployPortOr(rn), NeedLock: true,
			},
			VendorID:  derefU16(rn.VendorID),
			VendorKey: rn.VendorKey,
		}, nil
	case "sgx":
		n := &SGXNode{
			Node: Node{
				Kind: NodeSGX, Name: rn.Name, IPAddress: ip,
				ReactivePort: rn.ReactivePort, DeployPort: deployPortOr(rn),
			},
			AESMPort: 13741,
		}
		if rn.AESMPort != nil {
			n.AESMPort = *rn.AESMPort
		}
		if rn.ModuleID != nil {
			n.ModuleIDCounter = *rn.ModuleID
		} else {
			n.ModuleIDCounter = 1
		}
		return n, nil
	case "native":
		return &NativeNode{
			Node: Node{
				Kind: NodeNative, Name: rn.Name, IPAddress: ip,
				ReactivePort: rn.ReactivePort, DeployPort: deployPortOr(rn),
			},
		}, nil
	case "trustzone":
		return &TrustZoneNode{
			Node: Node{
				Kind: NodeTrustZone, Name: rn.Name, IPAddress: ip,
				ReactivePort: rn.ReactivePort, DeployPort: deployPortOr(rn),
			},
			NodeNumber: derefU16(rn.NodeNumber),
		}, nil
	default:
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown node type").WithDetail("type", rn.Type)
	}
}

func derefU16(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	return p != nil && *p
}

func buildModule(rm rawModule, node *Node) (any, error) {
	base := Module{
		Name:     rm.Name,
		NodeName: node.Name,
		Priority: rm.Priority,
		Deployed: derefBool(rm.Deployed),
		Attested: derefBool(rm.Attested),
		Nonce:    derefU16(rm.Nonce),
		Binary:   rm.Binary,
		Key:      []byte(rm.Key),
	}

	switch rm.Type {
	case "sancus":
		base.Kind = ModuleSancus
		return &SancusModule{
			Module:  base,
			Files:   rm.Files,
			CFlags:  rm.CFlags,
			LDFlags: rm.LDFlags,
			ID:      derefU16(rm.ID),
			Symtab:  rm.Symtab,
		}, nil
	case "sgx":
		base.Kind = ModuleSGX
		return &SgxModule{
			Module:     base,
			VendorKey:  rm.VendorKeyPath,
			RASettings: rm.RASettings,
			Features:   rm.Features,
			SGXS:       rm.SGXS,
			Signature:  rm.Signature,
			Data:       rm.Data,
			ID:         derefU16(rm.ID),
		}, nil
	case "native":
		base.Kind = ModuleNative
		folder := rm.Folder
		if folder == "" {
			folder = rm.Name
		}
		return &NativeModule{
			Module:   base,
			Features: rm.Features,
			Data:     rm.Data,
			ID:       derefU16(rm.ID),
			Port:     derefU16(rm.Port),
			Folder:   folder,
		}, nil
	case "trustzone":
		base.Kind = ModuleTrustZone
		return &TrustZoneModule{
			Module:      base,
			FilesDir:    rm.FilesDir,
			Inputs:      rm.Inputs,
			Outputs:     rm.Outputs,
			Entrypoints: rm.Entrypoints,
			ID:          derefU16(rm.ID),
			UUID:        rm.UUID,
		}, nil
	default:
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown module type").WithDetail("type", rm.Type)
	}
}

func buildConnection(cfg *Config, rc rawConnection) (*Connection, error) {
	direct := derefBool(rc.Direct)

	var fromModule string
	if rc.FromModule != nil {
		fromModule = *rc.FromModule
		fromM, err := cfg.GetModule(fromModule)
		if err != nil {
			return nil, err
		}
		ModuleOf(fromM).Connections++
	}

	toM, err := cfg.GetModule(rc.ToModule)
	if err != nil {
		return nil, err
	}
	ModuleOf(toM).Connections++

	cipher, err := aead.ParseCipher(rc.Encryption)
	if err != nil {
		return nil, err
	}

	id := derefU16(rc.ID)
	if rc.ID == nil {
		id = cfg.ConnectionsCurrentID
		cfg.ConnectionsCurrentID++
	}

	name := rc.Name
	if name == "" {
		name = "conn" + itoa(int(id))
	}

	key := []byte(rc.Key)
	if key == nil {
		enc, err := aead.For(cipher)
		if err != nil {
			return nil, err
		}
		key, err = generateKey(enc.KeySize())
		if err != nil {
			return nil, err
		}
	}

	conn := &Connection{
		ID:          id,
		Name:        name,
		Direct:      direct,
		FromModule:  fromModule,
		FromOutput:  derefStr(rc.FromOutput),
		FromRequest: derefStr(rc.FromRequest),
		ToModule:    rc.ToModule,
		ToInput:     derefStr(rc.ToInput),
		ToHandler:   derefStr(rc.ToHandler),
		Encryption:  cipher,
		Key:         key,
		Nonce:       derefU16(rc.Nonce),
		Established: derefBool(rc.Established),
	}

	if !direct {
		if rc.FromOutput != nil {
			conn.FromIndex = &ConnectionIndex{Type: ConnIOOutput, Name: *rc.FromOutput}
		} else {
			conn.FromIndex = &ConnectionIndex{Type: ConnIORequest, Name: *rc.FromRequest}
		}
	}
	if rc.ToInput != nil {
		conn.ToIndex = &ConnectionIndex{Type: ConnIOInput, Name: *rc.ToInput}
	} else {
		conn.ToIndex = &ConnectionIndex{Type: ConnIOHandler, Name: *rc.ToHandler}
	}

	return conn, nil
}

func buildPeriodicEvent(cfg *Config, re rawPeriodicEvent) (*PeriodicEvent, error) {
	if _, err := cfg.GetModule(re.Module); err != nil {
		return nil, err
	}

	id := derefU16(re.ID)
	if re.ID == nil {
		id = cfg.EventsCurrentID
		cfg.EventsCurrentID++
	}

	name := re.Name
	if name == "" {
		name = "event" + itoa(int(id))
	}

	return &PeriodicEvent{
		ID:          id,
		Name:        name,
		Module:      re.Module,
		Entry:       re.Entry,
		FrequencyMs: re.Frequency,
		Established: derefBool(re.Established),
	}, nil
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func generateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.Wrap(apperrors.CryptoBadKeyLength, "generating connection key", err)
	}
	return key, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
