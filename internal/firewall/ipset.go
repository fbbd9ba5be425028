package firewall

import (
	"fmt"
	"net"
	"strings"

	"github.com/digineo/go-ipset/v2"
	"github.com/mdlayher/netlink"
	"github.com/rs/zerolog"

	"github.com/okamiyuga/veto/internal/config"
	"github.com/okamiyuga/veto/internal/service"
)

// ipsetAddError and ipsetDelError are the ipset CLI's exact stderr messages
// for re-adding an already-present entry or re-deleting an absent one,
// since the reactor retries Block/Unblock idempotently and these are not
// real failures.
const (
	ipsetAddError = "Element cannot be added to the set: it's already added"
	ipsetDelError = "Element cannot be deleted from the set: it's not added"
)

// IPSet blocks addresses by adding them to a pair of named ipset hash:ip
// sets (one per address family) matched by iptables/ip6tables rules
// installed against defaultChains. Install/Uninstall shell out to ipset(8)
// and iptables(8); steady-state Block/Unblock use a netlink connection for
// the common case and fall back to the CLI when that fails.
type IPSet struct {
	cmd    *service.CommandService
	logger zerolog.Logger
	target config.Target

	conn *ipset.Conn
}

// NewIPSet builds an IPSet backend. Opening the netlink connection is
// best-effort: if it fails (e.g. missing CAP_NET_ADMIN in a test sandbox),
// Block/Unblock transparently fall back to shelling out to ipset(8).
func NewIPSet(logger zerolog.Logger, cmd *service.CommandService, target config.Target) *IPSet {
	conn, err := ipset.Dial(0, &netlink.Config{})
	if err != nil {
		logger.Debug().Err(err).Msg("ipset netlink connection unavailable, falling back to CLI")
		conn = nil
	}
	return &IPSet{cmd: cmd, logger: logger, target: target, conn: conn}
}

func (f *IPSet) Install() error {
	listing, err := f.cmd.RunOutput("ipset", "list", "-n")
	if err != nil {
		return &Error{Op: "ipset list", Err: err}
	}
	if err := f.installFor(name, "iptables", "inet", listing); err != nil {
		return err
	}
	return f.installFor(nameV6, "ip6tables", "inet6", listing)
}

func (f *IPSet) installFor(setName, iptablesBin, family, listing string) error {
	if !containsLine(listing, setName) {
		if err := f.cmd.Run("ipset", "create", setName, "hash:ip", "family", family); err != nil {
			return &Error{Op: "ipset create", Err: err}
		}
	}

	rules, err := f.cmd.RunOutput(iptablesBin, "-S")
	if err != nil {
		return &Error{Op: iptablesBin + " -S", Err: err}
	}

	for _, chain := range defaultChains {
		rule := fmt.Sprintf("-A %s -p tcp -m multiport --dports 80,443 -m set --match-set %s src -j %s", chain, setName, f.target)
		if containsLine(rules, rule) {
			continue
		}
		args := append([]string{"-I", chain, "-p", "tcp", "-m", "multiport", "--dports", "80,443", "-m", "set", "--match-set", setName, "src", "-j"}, f.target.Args()...)
		if err := f.cmd.Run(iptablesBin, args...); err != nil {
			return &Error{Op: "iptables -I " + chain, Err: err}
		}
	}
	return nil
}

func (f *IPSet) Uninstall() error {
	if err := f.uninstallFor(name, "iptables"); err != nil {
		return err
	}
	return f.uninstallFor(nameV6, "ip6tables")
}

func (f *IPSet) uninstallFor(setName, iptablesBin string) error {
	for _, chain := range defaultChains {
		for {
			args := append([]string{"-D", chain, "-p", "tcp", "-m", "multiport", "--dports", "80,443", "-m", "set", "--match-set", setName, "src", "-j"}, f.target.Args()...)
			out, err := f.cmd.RunOutputQuiet(iptablesBin, args...)
			if err == nil {
				continue
			}
			if !isBadRuleError(out) {
				f.logger.Warn().Str("stderr", out).Msg("failed deleting iptables rule")
			}
			break
		}
	}
	if err := f.cmd.Run("ipset", "destroy", setName); err != nil {
		return &Error{Op: "ipset destroy", Err: err}
	}
	return nil
}

func (f *IPSet) Block(target Target) error {
	setName := f.setFor(target.IP)
	if f.conn != nil {
		if err := f.conn.Add(setName, ipset.NewEntry(ipset.EntryIP(target.IP))); err == nil {
			return nil
		}
	}
	out, err := f.cmd.RunOutputQuiet("ipset", "add", setName, target.IP.String())
	if err != nil && !strings.Contains(out, ipsetAddError) {
		return &Error{Op: "ipset add", Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

func (f *IPSet) Unblock(target Target) error {
	setName := f.setFor(target.IP)
	if f.conn != nil {
		if err := f.conn.Del(setName, ipset.NewEntry(ipset.EntryIP(target.IP))); err == nil {
			return nil
		}
	}
	out, err := f.cmd.RunOutputQuiet("ipset", "del", setName, target.IP.String())
	if err != nil && !strings.Contains(out, ipsetDelError) {
		return &Error{Op: "ipset del", Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

func (f *IPSet) setFor(ip net.IP) string {
	if ip.To4() == nil {
		return nameV6
	}
	return name
}

func containsLine(output, line string) bool {
	for _, l := range strings.Split(output, "\n") {
		if l == line {
			return true
		}
	}
	return false
}

func isBadRuleError(stderr string) bool {
	prefixes := []string{
		"iptables: Bad rule ",
		"ip6tables: Bad rule ",
		"iptables: No chain/target/match by that name.",
		"ip6tables: No chain/target/match by that name.",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(stderr, p) {
			return true
		}
	}
	return false
}
