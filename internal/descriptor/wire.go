package descriptor

// raw* types are the on-the-wire (JSON/YAML) shape of a descriptor, mirroring
// the original's dict-based load/dump. Pointer/omitempty fields distinguish
// "absent" from "zero value", which matters for derived fields like
// `deployed`/`id`/`key` that only appear once an operation has run.

type rawConfig struct {
	Nodes          []rawNode          `json:"nodes" yaml:"nodes"`
	Modules        []rawModule        `json:"modules" yaml:"modules"`
	Connections    []rawConnection    `json:"connections,omitempty" yaml:"connections,omitempty"`
	PeriodicEvents []rawPeriodicEvent `json:"periodic-events,omitempty" yaml:"periodic-events,omitempty"`
}

type rawNode struct {
	Type         string   `json:"type" yaml:"type"`
	Name         string   `json:"name" yaml:"name"`
	IPAddress    string   `json:"ip_address" yaml:"ip_address"`
	ReactivePort uint16   `json:"reactive_port" yaml:"reactive_port"`
	DeployPort   *uint16  `json:"deploy_port,omitempty" yaml:"deploy_port,omitempty"`
	ModuleID     *uint16  `json:"module_id,omitempty" yaml:"module_id,omitempty"`

	// sancus
	VendorID  *uint16  `json:"vendor_id,omitempty" yaml:"vendor_id,omitempty"`
	VendorKey HexBytes `json:"vendor_key,omitempty" yaml:"vendor_key,omitempty"`

	// sgx
	AESMPort *uint16 `json:"aesm_port,omitempty" yaml:"aesm_port,omitempty"`

	// trustzone
	NodeNumber *uint16 `json:"node_number,omitempty" yaml:"node_number,omitempty"`
}

type rawModule struct {
	Type     string   `json:"type" yaml:"type"`
	Name     string   `json:"name" yaml:"name"`
	Node     string   `json:"node" yaml:"node"`
	Priority *int     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Deployed *bool    `json:"deployed,omitempty" yaml:"deployed,omitempty"`
	Attested *bool    `json:"attested,omitempty" yaml:"attested,omitempty"`
	Nonce    *uint16  `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	Binary   string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	Key      HexBytes `json:"key,omitempty" yaml:"key,omitempty"`

	// sancus
	Files   []string `json:"files,omitempty" yaml:"files,omitempty"`
	CFlags  []string `json:"cflags,omitempty" yaml:"cflags,omitempty"`
	LDFlags []string `json:"ldflags,omitempty" yaml:"ldflags,omitempty"`
	ID      *uint16  `json:"id,omitempty" yaml:"id,omitempty"`
	Symtab  string   `json:"symtab,omitempty" yaml:"symtab,omitempty"`

	// sgx
	VendorKeyPath string         `json:"vendor_key,omitempty" yaml:"vendor_key,omitempty"`
	RASettings    string         `json:"ra_settings,omitempty" yaml:"ra_settings,omitempty"`
	Features      []string       `json:"features,omitempty" yaml:"features,omitempty"`
	SGXS          string         `json:"sgxs,omitempty" yaml:"sgxs,omitempty"`
	Signature     string         `json:"signature,omitempty" yaml:"signature,omitempty"`
	Data          map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	// trustzone
	FilesDir    string         `json:"files_dir,omitempty" yaml:"files_dir,omitempty"`
	Inputs      map[string]int `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]int `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Entrypoints map[string]int `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	UUID        string         `json:"uuid,omitempty" yaml:"uuid,omitempty"`

	// native
	Folder string  `json:"folder,omitempty" yaml:"folder,omitempty"`
	Port   *uint16 `json:"port,omitempty" yaml:"port,omitempty"`
}

type rawConnection struct {
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	FromModule  *string  `json:"from_module,omitempty" yaml:"from_module,omitempty"`
	FromOutput  *string  `json:"from_output,omitempty" yaml:"from_output,omitempty"`
	FromRequest *string  `json:"from_request,omitempty" yaml:"from_request,omitempty"`
	ToModule    string   `json:"to_module" yaml:"to_module"`
	ToInput     *string  `json:"to_input,omitempty" yaml:"to_input,omitempty"`
	ToHandler   *string  `json:"to_handler,omitempty" yaml:"to_handler,omitempty"`
	Encryption  string   `json:"encryption" yaml:"encryption"`
	Key         HexBytes `json:"key,omitempty" yaml:"key,omitempty"`
	ID          *uint16  `json:"id,omitempty" yaml:"id,omitempty"`
	Direct      *bool    `json:"direct,omitempty" yaml:"direct,omitempty"`
	Nonce       *uint16  `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	Established *bool    `json:"established,omitempty" yaml:"established,omitempty"`
}

type rawPeriodicEvent struct {
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	ID          *uint16 `json:"id,omitempty" yaml:"id,omitempty"`
	Module      string  `json:"module" yaml:"module"`
	Entry       string  `json:"entry" yaml:"entry"`
	Frequency   uint32  `json:"frequency" yaml:"frequency"`
	Established *bool   `json:"established,omitempty" yaml:"established,omitempty"`
}
