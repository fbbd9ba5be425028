package matcher

import "strings"

// macroExpansions maps each filter macro token to its regex expansion.
var macroExpansions = map[string]string{
	"<HOST>":         `(?P<host>(?:[0-9]{1,3}\.){3}[0-9]{1,3}|(?:[a-fA-F0-9]{0,4}:){1,}[a-fA-F0-9]{1,4})`,
	"<TIME>":         `(?P<time>[0-9]{2}/[a-zA-Z]{3}/[0-9]{4}(?::[0-9]{2}){3} \+[0-9]{4})`,
	"<TIME_RFC2822>": `(?P<time_rfc2822>[a-zA-Z]{3}, [0-9]{1,2} [a-zA-Z]{3} [0-9]{4} [0-9]{2}(?::[0-9]{2}){2} [\+\-][0-9]{4})`,
	"<TIME_RFC3339>": `(?P<time_rfc3339>[0-9]{4}(?:-[0-9]{2}){2}T[0-9]{2}(?::[0-9]{2}){2}[\+\-][0-9]{2}:[0-9]{2})`,
	"<METHOD>":       `(?P<method>GET|HEAD|POST|PUT|DELETE|CONNECT|OPTIONS|TRACE|PATCH)`,
	"<VERSION>":      `(?P<version>HTTP/[1-9](?:\.[0-9])?)`,
}

// timeLayout is the Go time.Parse layout for the <TIME> macro, the one the
// matching engine uses for the monotonic watermark.
const timeLayout = "02/Jan/2006:15:04:05 -0700"

// rfc2822Layout is the layout for <TIME_RFC2822>.
const rfc2822Layout = "Mon, 2 Jan 2006 15:04:05 -0700"

const hostGroup = "host"
const timeGroup = "time"
const timeRFC2822Group = "time_rfc2822"
const timeRFC3339Group = "time_rfc3339"

// expandMacros textually substitutes every macro token in a filter string.
// Substitution is order-independent since tokens do not nest.
func expandMacros(filter string) string {
	expanded := filter
	for token, expansion := range macroExpansions {
		expanded = strings.ReplaceAll(expanded, token, expansion)
	}
	return expanded
}
