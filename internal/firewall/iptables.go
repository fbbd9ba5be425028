package firewall

import (
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/okamiyuga/veto/internal/service"
)

// IPTables blocks addresses by inserting a per-address REJECT rule at the
// head of a dedicated chain, rather than maintaining an ipset. Simpler to
// install, but every blocked address costs one iptables rule instead of one
// set entry.
type IPTables struct {
	cmd    *service.CommandService
	logger zerolog.Logger
}

func NewIPTables(logger zerolog.Logger, cmd *service.CommandService) *IPTables {
	return &IPTables{cmd: cmd, logger: logger}
}

func (f *IPTables) Install() error {
	cmds := [][]string{
		{"-N", name},
		{"-A", name, "-j", "ACCEPT"},
		{"-I", "INPUT", "-m", "state", "--state", "NEW", "-p", "tcp", "-j", name},
	}
	for _, args := range cmds {
		if err := f.cmd.Run("iptables", args...); err != nil {
			return &Error{Op: "iptables install", Err: err}
		}
	}
	for _, args := range cmds {
		if err := f.cmd.Run("ip6tables", args...); err != nil {
			return &Error{Op: "ip6tables install", Err: err}
		}
	}
	return nil
}

// Uninstall tears down the chain and its jump rule, tolerating partial
// state: a prior failed or partial install may leave the jump rule or the
// chain itself already gone, and "bad rule"/"no chain" stderr from either is
// treated as success without a warning. Any other failure is logged as a
// warning; no failure aborts the rest of the teardown.
func (f *IPTables) Uninstall() error {
	cmds := [][]string{
		{"-D", "INPUT", "-m", "state", "--state", "NEW", "-p", "tcp", "-j", name},
		{"-F", name},
		{"-X", name},
	}
	for _, bin := range []string{"iptables", "ip6tables"} {
		for _, args := range cmds {
			out, err := f.cmd.RunOutputQuiet(bin, args...)
			if err == nil {
				continue
			}
			if !isBadRuleError(out) {
				f.logger.Warn().Str("command", bin).Strs("args", args).Str("stderr", out).Msg("failed tearing down iptables state")
			}
		}
	}
	return nil
}

func (f *IPTables) Block(target Target) error {
	return f.cmd.Run(f.binaryFor(target.IP), f.blockArgs("-I", target)...)
}

func (f *IPTables) Unblock(target Target) error {
	return f.cmd.Run(f.binaryFor(target.IP), f.blockArgs("-D", target)...)
}

func (f *IPTables) binaryFor(ip net.IP) string {
	if ip.To4() == nil {
		return "ip6tables"
	}
	return "iptables"
}

func (f *IPTables) blockArgs(verb string, target Target) []string {
	args := []string{verb, name, "-s", target.IP.String(), "-p", "tcp"}
	if len(target.Ports) > 0 {
		ports := make([]string, len(target.Ports))
		for i, p := range target.Ports {
			ports[i] = strconv.Itoa(int(p))
		}
		args = append(args, "-m", "multiport", "--dports", strings.Join(ports, ","))
	}
	args = append(args, "-j", "REJECT", "--reject-with", "tcp-reset")
	return args
}
