// Package config loads and validates the TOML configuration schema described
// in the veto specification: a whitelist of CIDR networks, ipset firewall
// settings, and a set of named rules binding a log file to filters,
// timeouts, ports and blacklists.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Kind discriminates error categories at the CLI boundary.
type Kind int

const (
	// KindMissingFile indicates a rule's log file path could not be resolved.
	KindMissingFile Kind = iota
	// KindInvalidPattern indicates a filter string failed to compile.
	KindInvalidPattern
	// KindInvalid indicates any other malformed configuration value.
	KindInvalid
)

// Error is a ConfigError: fatal at startup, naming the offending rule where
// applicable. Kind discriminates the error categories handlers need to
// react to differently (missing file vs. bad pattern vs. everything else).
type Error struct {
	Kind Kind
	Rule string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("config: rule %q: %s", e.Rule, e.Msg)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Target is the iptables verdict applied by the set-backed firewall.
type Target int

const (
	TargetDrop Target = iota
	TargetReject
	TargetTarpit
)

// Args returns the iptables jump-target argument vector. Tarpit is the odd
// one out, needing both the target name and the --tarpit flag.
func (t Target) Args() []string {
	switch t {
	case TargetReject:
		return []string{"REJECT"}
	case TargetTarpit:
		return []string{"TARPIT", "--tarpit"}
	default:
		return []string{"DROP"}
	}
}

func (t Target) String() string {
	switch t {
	case TargetReject:
		return "REJECT"
	case TargetTarpit:
		return "TARPIT --tarpit"
	default:
		return "DROP"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so BurntSushi/toml can
// decode the "Drop" | "Reject" | "Tarpit" string directly into a Target.
func (t *Target) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "drop", "":
		*t = TargetDrop
	case "reject":
		*t = TargetReject
	case "tarpit":
		*t = TargetTarpit
	default:
		return fmt.Errorf("unknown ipset target %q", text)
	}
	return nil
}

// Duration wraps time.Duration so that human durations like "2h 15m" (with
// or without the space that time.ParseDuration rejects) decode from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	compact := strings.ReplaceAll(string(text), " ", "")
	parsed, err := time.ParseDuration(compact)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// IPSet holds settings specific to the ipset firewall backend.
type IPSet struct {
	Target Target `toml:"target"`
}

// Rule describes the file to track with filters and blacklists to detect
// malicious accesses. BlacklistOrder preserves the declaration order of
// capture-group names, recovered separately from toml.MetaData since a Go
// map does not retain source order.
type Rule struct {
	File          string              `toml:"file"`
	Filters       []string            `toml:"filters"`
	Ports         []uint16            `toml:"ports"`
	Timeout       Duration            `toml:"timeout"`
	Blacklists    map[string][]string `toml:"blacklists"`
	BlacklistKeys []string            `toml:"-"`
}

// Settings holds all application settings.
type Settings struct {
	WhitelistRaw []string        `toml:"whitelist"`
	Whitelist    []*net.IPNet    `toml:"-"`
	IPSet        IPSet           `toml:"ipset"`
	Rules        map[string]Rule `toml:"rules"`
	RuleOrder    []string        `toml:"-"`
}

// DefaultPath is the default location for the configuration file.
const DefaultPath = "/etc/veto/config.toml"

// Load reads and validates the application settings from the given path, or
// DefaultPath if empty.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Msg: fmt.Sprintf("reading settings file %s: %v", path, err), Err: err}
	}

	var settings Settings
	meta, err := toml.Decode(string(content), &settings)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Msg: fmt.Sprintf("parsing TOML: %v", err), Err: err}
	}

	settings.RuleOrder = ruleOrder(meta, settings.Rules)
	for name, rule := range settings.Rules {
		rule.BlacklistKeys = blacklistOrder(meta, name, rule.Blacklists)
		settings.Rules[name] = rule
	}

	for _, raw := range settings.WhitelistRaw {
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, &Error{Kind: KindInvalid, Msg: fmt.Sprintf("invalid whitelist CIDR %q: %v", raw, err), Err: err}
		}
		settings.Whitelist = append(settings.Whitelist, network)
	}

	return &settings, nil
}

// ruleOrder recovers the order in which "[rules.NAME]" tables were declared
// in the source document, since map[string]Rule decoding loses it.
func ruleOrder(meta toml.MetaData, rules map[string]Rule) []string {
	seen := make(map[string]bool, len(rules))
	order := make([]string, 0, len(rules))

	for _, key := range meta.Keys() {
		if len(key) < 2 || key[0] != "rules" {
			continue
		}
		name := key[1]
		if _, ok := rules[name]; !ok || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	// Any rule TOML's key walk missed (shouldn't happen, but keeps the
	// returned order a total order over the map) is appended last.
	for name := range rules {
		if !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}

	return order
}

// blacklistOrder recovers the declaration order of capture-group names under
// "[rules.NAME.blacklists]".
func blacklistOrder(meta toml.MetaData, ruleName string, blacklists map[string][]string) []string {
	seen := make(map[string]bool, len(blacklists))
	order := make([]string, 0, len(blacklists))

	for _, key := range meta.Keys() {
		if len(key) < 4 || key[0] != "rules" || key[1] != ruleName || key[2] != "blacklists" {
			continue
		}
		group := key[3]
		if _, ok := blacklists[group]; !ok || seen[group] {
			continue
		}
		seen[group] = true
		order = append(order, group)
	}

	for group := range blacklists {
		if !seen[group] {
			order = append(order, group)
			seen[group] = true
		}
	}

	return order
}
