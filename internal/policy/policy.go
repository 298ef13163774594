// Package policy implements the C7 policy evaluator: given the
// current PolicyState and a caller's remembered exceptions, decide whether a
// JobRequest is allowed outright, denied outright, or needs an
// operator's approval — and, for network-capable tools, extract the
// domains the job would reach so an approver can see them.
package policy

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// Decision is the three-way outcome of evaluating a JobRequest.
type Decision int

const (
	Deny Decision = iota
	Allow
	NeedsApproval
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case NeedsApproval:
		return "needs_approval"
	default:
		return "unknown"
	}
}

// networkTools lists the built-in network-tool basenames whose
// arguments are subject to domain extraction and allowlist checks.
var networkTools = map[string]bool{
	"curl":     true,
	"wget":     true,
	"git":      true,
	"ssh":      true,
	"scp":      true,
	"rsync":    true,
	"sftp":     true,
	"nc":       true,
	"ncat":     true,
	"nmap":     true,
	"ping":     true,
	"dig":      true,
	"nslookup": true,
	"http":     true,
	"https":    true,
	"fetch":    true,
}

// bareHostTools additionally accept a bare "host.example.com" argument
// (no scheme, no user@) as a domain, per the spec's extraction
// heuristics for host-lookup-style tools.
var bareHostTools = map[string]bool{
	"ssh":      true,
	"ping":     true,
	"dig":      true,
	"nslookup": true,
	"nc":       true,
	"ncat":     true,
}

// Verdict is the result of evaluating a single JobRequest.
type Verdict struct {
	Decision        Decision
	Reason          string
	DetectedDomains []string
}

// Memory is the per-caller set of previously-remembered exceptions
// (keys of the shape "tool:<name>" or "domain:<host>") that let a
// caller's earlier "remember this" approval skip future evaluation of
// the same tool or domain. The consent package supplies the concrete
// implementation, keyed per caller id.
type Memory interface {
	Remembers(key string) bool
}

// NoMemory is a Memory that remembers nothing.
type NoMemory struct{}

// Remembers always reports false.
func (NoMemory) Remembers(string) bool { return false }

// Evaluate decides what to do with req given the current policy
// snapshot and the caller's remembered exceptions. Session mode is not
// consulted here: it is the session manager's job (C6) to gate
// Inactive/Strict/Trust/AutoAccept before a request ever reaches the
// policy evaluator (C7).
func Evaluate(state protocol.PolicyState, mem Memory, req *protocol.JobRequest) Verdict {
	if contains(state.DeniedTools, req.Tool) {
		return Verdict{Decision: Deny, Reason: "tool is denylisted: " + req.Tool}
	}
	if path := firstDeniedPath(state.DeniedPaths, req); path != "" {
		return Verdict{Decision: Deny, Reason: "path is denylisted: " + path}
	}

	domains := ExtractDomains(req.Tool, req.Args)

	toolAllowed := len(state.AllowedTools) == 0 ||
		contains(state.AllowedTools, req.Tool) ||
		mem.Remembers("tool:"+req.Tool)

	if !toolAllowed {
		return Verdict{
			Decision:        NeedsApproval,
			Reason:          fmt.Sprintf("tool %s is not in the allow list", req.Tool),
			DetectedDomains: domains,
		}
	}

	if len(state.AllowedDomains) > 0 {
		unapproved := unapprovedDomains(domains, state.AllowedDomains, mem)
		if len(unapproved) > 0 {
			return Verdict{
				Decision:        NeedsApproval,
				Reason:          "contacts unapproved domains: " + strings.Join(unapproved, ", "),
				DetectedDomains: domains,
			}
		}
	}

	return Verdict{Decision: Allow, DetectedDomains: domains}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func firstDeniedPath(denied []string, req *protocol.JobRequest) string {
	candidates := append([]string{req.Cwd}, req.Args...)
	for _, d := range denied {
		if d == "" {
			continue
		}
		for _, c := range candidates {
			if strings.HasPrefix(c, d) {
				return d
			}
		}
	}
	return ""
}

func unapprovedDomains(domains, allowed []string, mem Memory) []string {
	var out []string
	for _, d := range domains {
		if !contains(allowed, d) && !mem.Remembers("domain:"+d) {
			out = append(out, d)
		}
	}
	return out
}

// ExtractDomains inspects a network-capable tool's arguments and
// returns the hostnames it would reach. Non-network tools and tools
// whose arguments can't be parsed as a host return nil. tool is
// matched by basename, since JobRequest.Tool may be an absolute path.
func ExtractDomains(tool string, args []string) []string {
	base := path.Base(tool)
	if !networkTools[base] {
		return nil
	}

	var domains []string
	seen := map[string]bool{}
	add := func(host string) {
		host = strings.ToLower(host)
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		domains = append(domains, host)
	}

	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if host := hostFromURL(arg); host != "" {
			add(host)
			continue
		}
		if host := hostFromScpTarget(arg); host != "" {
			add(host)
			continue
		}
		if bareHostTools[base] && isBareHost(arg) {
			add(arg)
		}
	}
	return domains
}

// isBareHost matches the spec's fallback heuristic: an argument with
// no slash that contains at least one dot is treated as a host.
func isBareHost(arg string) bool {
	return strings.Contains(arg, ".") && !strings.ContainsAny(arg, "/\\@")
}

func hostFromURL(arg string) string {
	if !strings.Contains(arg, "://") {
		return ""
	}
	u, err := url.Parse(arg)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// hostFromScpTarget recognizes ssh/scp/rsync-style user@host or
// user@host:path targets, taking the host only if it contains a dot.
func hostFromScpTarget(arg string) string {
	at := strings.Index(arg, "@")
	if at < 0 {
		return ""
	}
	rest := arg[at+1:]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	if rest == "" || strings.ContainsAny(rest, "/\\") || !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
