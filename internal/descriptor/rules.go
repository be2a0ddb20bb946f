package descriptor

import (
	"sort"
	"strings"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// ruleFailure is one broken predicate, named so a validation error can list
// every broken rule rather than stopping at the first.
type ruleFailure struct {
	entity string
	rule   string
}

// ruleSet accumulates predicate failures across every entity in a
// descriptor, the same aggregate-then-report shape as spec.md §4.5: "any
// false result aggregates into a single validation failure identifying the
// broken rule names."
type ruleSet struct {
	failures []ruleFailure
}

func (r *ruleSet) check(entity, rule string, ok bool) {
	if !ok {
		r.failures = append(r.failures, ruleFailure{entity: entity, rule: rule})
	}
}

func (r *ruleSet) err() error {
	if len(r.failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.failures))
	for _, f := range r.failures {
		names = append(names, f.entity+":"+f.rule)
	}
	sort.Strings(names)
	return apperrors.New(apperrors.DescValidationFailed, "descriptor failed validation").
		WithDetail("broken_rules", names)
}

// allowedNodeKeys / allowedModuleKeys enumerate every recognized top-level
// key per variant, preserving the original's "reject unrecognized keys"
// invariant (Design Notes: "Rules currently reject unrecognized keys;
// preserve this to prevent silent drift").
var allowedNodeKeys = map[string]map[string]bool{
	"sancus":    setOf("type", "name", "ip_address", "reactive_port", "deploy_port", "vendor_id", "vendor_key"),
	"sgx":       setOf("type", "name", "ip_address", "reactive_port", "deploy_port", "module_id", "aesm_port"),
	"native":    setOf("type", "name", "ip_address", "reactive_port", "deploy_port"),
	"trustzone": setOf("type", "name", "ip_address", "reactive_port", "deploy_port", "node_number"),
}

var allowedModuleKeys = map[string]map[string]bool{
	"sancus": setOf("type", "name", "node", "priority", "deployed", "attested", "nonce",
		"binary", "key", "files", "cflags", "ldflags", "id", "symtab"),
	"sgx": setOf("type", "name", "node", "priority", "deployed", "attested", "nonce",
		"binary", "key", "vendor_key", "ra_settings", "features", "sgxs", "signature", "data", "id"),
	"native": setOf("type", "name", "node", "priority", "deployed", "attested", "nonce",
		"binary", "key", "features", "data", "id", "port", "folder"),
	"trustzone": setOf("type", "name", "node", "priority", "deployed", "attested", "nonce",
		"binary", "key", "files_dir", "inputs", "outputs", "entrypoints", "id", "uuid"),
}

func setOf(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func unrecognizedKeys(raw map[string]any, allowed map[string]bool) []string {
	var bad []string
	for k := range raw {
		if !allowed[k] {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// validateRawNode runs the node rule set: known type, no unrecognized keys,
// and required keys present (plus vendor_id/vendor_key for Sancus). No
// key/nonce/id invariants are checked for nodes.
func validateRawNode(rs *ruleSet, entity string, raw map[string]any) {
	typeVal, _ := raw["type"].(string)
	allowed, known := allowedNodeKeys[typeVal]
	rs.check(entity, "known_type", known)
	if !known {
		return
	}
	bad := unrecognizedKeys(raw, allowed)
	rs.check(entity, "authorized_keys", len(bad) == 0)
	rs.check(entity, "name_present", isPresent(raw, "name"))
	rs.check(entity, "ip_address_present", isPresent(raw, "ip_address"))
	rs.check(entity, "reactive_port_present", isPositiveNumber(raw["reactive_port"]))

	if typeVal == "sancus" {
		rs.check(entity, "vendor_id_present", isPresent(raw, "vendor_id"))
		rs.check(entity, "vendor_key_present", isPresent(raw, "vendor_key"))
	}
}

// validateRawModule runs the module rule set.
func validateRawModule(rs *ruleSet, entity string, raw map[string]any) {
	typeVal, _ := raw["type"].(string)
	allowed, known := allowedModuleKeys[typeVal]
	rs.check(entity, "known_type", known)
	if !known {
		return
	}
	bad := unrecognizedKeys(raw, allowed)
	rs.check(entity, "authorized_keys", len(bad) == 0)
	rs.check(entity, "name_present", isPresent(raw, "name"))
	rs.check(entity, "node_present", isPresent(raw, "node"))

	deployed := hasValue(raw, "deployed", true)
	attested := hasValue(raw, "attested", true)

	// module.attested => module.deployed
	rs.check(entity, "attested_implies_deployed", !attested || deployed)

	if typeVal == "sancus" {
		rs.check(entity, "files_present", isPresent(raw, "files"))
	}
	if typeVal == "sgx" {
		rs.check(entity, "vendor_key_present", isPresent(raw, "vendor_key"))
		rs.check(entity, "ra_settings_present", isPresent(raw, "ra_settings"))
	}
}

// validateRawConnection runs the connection rule set: spec.md §4.5's
// "direct xor (from_module ∧ (from_output xor from_request))" and
// "to_input xor to_handler", plus "from_module != to_module".
func validateRawConnection(rs *ruleSet, entity string, raw map[string]any) {
	direct := hasValue(raw, "direct", true)
	hasFromModule := isPresent(raw, "from_module")
	hasFromOutput := isPresent(raw, "from_output")
	hasFromRequest := isPresent(raw, "from_request")
	hasToInput := isPresent(raw, "to_input")
	hasToHandler := isPresent(raw, "to_handler")

	rs.check(entity, "direct_xor_from_module", direct != hasFromModule)
	if hasFromModule {
		rs.check(entity, "from_output_xor_from_request", hasFromOutput != hasFromRequest)
	}
	rs.check(entity, "to_input_xor_to_handler", hasToInput != hasToHandler)
	rs.check(entity, "to_module_present", isPresent(raw, "to_module"))
	rs.check(entity, "encryption_present", isPresent(raw, "encryption"))

	if hasFromModule {
		fromModule, _ := raw["from_module"].(string)
		toModule, _ := raw["to_module"].(string)
		rs.check(entity, "from_module_ne_to_module", fromModule != toModule || fromModule == "")
	}
}

// validateRawPeriodicEvent runs the periodic-event rule set.
func validateRawPeriodicEvent(rs *ruleSet, entity string, raw map[string]any) {
	rs.check(entity, "module_present", isPresent(raw, "module"))
	rs.check(entity, "entry_present", isPresent(raw, "entry"))
	rs.check(entity, "frequency_present", isPositiveNumber(raw["frequency"]))
}

func isPresent(raw map[string]any, key string) bool {
	v, ok := raw[key]
	return ok && v != nil
}

func hasValue(raw map[string]any, key string, value any) bool {
	v, ok := raw[key]
	return ok && v == value
}

func isPositiveNumber(v any) bool {
	switch n := v.(type) {
	case int:
		return n >= 1
	case int64:
		return n >= 1
	case float64:
		return n >= 1 && n == float64(int64(n))
	case uint16:
		return n >= 1
	case uint32:
		return n >= 1
	default:
		return false
	}
}

// entityLabel builds a "kind:name" identifier for rule-failure reporting.
func entityLabel(kind, name string) string {
	return strings.ToLower(kind) + ":" + name
}
