// Package redirect hijacks LAN port-53 traffic toward the tunnel's fake
// DNS addresses, catching clients that ignore the advertised resolvers.
package redirect

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/valyala/fasttemplate"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	// chainName is the dnsfence-owned nat chain.
	chainName = "DNSFENCE_DNS"

	dnsPort = 53
)

// Template placeholders available to redirect rules.
const (
	tmplFakeDNS = "fake_dns"
	tmplPort    = "port"
	tmplMark    = "mark"
)

// Manager installs and removes the DNAT rules. When the config carries no
// explicit rules, a default DNAT of inbound udp/53 per interface is used.
type Manager struct {
	mu sync.Mutex

	cfg     *config.RedirectConfig
	mark    uint32
	enabled bool

	ipt *iptables.IPTables
}

// NewManager creates a manager for the given redirect config. Returns nil
// (no error) when redirection is disabled.
func NewManager(cfg *config.RedirectConfig, mark uint32) (*Manager, error) {
	if cfg == nil || !cfg.Enable {
		return nil, nil
	}

	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, cerrors.NewRedirectError("failed to create iptables handle", err)
	}

	return &Manager{cfg: cfg, mark: mark, ipt: ipt}, nil
}

// Enable installs the redirect chain pointing at fakeDNS. Idempotent.
func (m *Manager) Enable(fakeDNS netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		return nil
	}

	// Drop leftovers from an unclean shutdown before installing.
	m.teardown()

	if err := m.ipt.NewChain("nat", chainName); err != nil {
		if eerr, ok := err.(*iptables.Error); !ok || !eerr.IsNotExist() {
			log.Debugf("Chain %s already present: %v", chainName, err)
		}
	}

	for _, rule := range m.renderRules(fakeDNS) {
		if err := m.ipt.AppendUnique(rule.table, rule.chain, rule.spec...); err != nil {
			m.teardown()
			return cerrors.NewRedirectError("failed to append redirect rule", err)
		}
	}

	for _, iface := range m.cfg.Interfaces {
		if err := m.ipt.AppendUnique("nat", "PREROUTING", "-i", iface, "-p", "udp", "--dport", strconv.Itoa(dnsPort), "-j", chainName); err != nil {
			m.teardown()
			return cerrors.NewRedirectError("failed to hook PREROUTING", err)
		}
	}

	m.enabled = true
	log.Infof("DNS redirection enabled -> %s (interfaces: %s)", fakeDNS, strings.Join(m.cfg.Interfaces, ", "))
	return nil
}

// Disable removes the redirect chain. Idempotent.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}

	m.teardown()
	m.enabled = false
	log.Infof("DNS redirection disabled")
	return nil
}

func (m *Manager) teardown() {
	for _, iface := range m.cfg.Interfaces {
		if err := m.ipt.DeleteIfExists("nat", "PREROUTING", "-i", iface, "-p", "udp", "--dport", strconv.Itoa(dnsPort), "-j", chainName); err != nil {
			log.Debugf("Failed to unhook PREROUTING for %s: %v", iface, err)
		}
	}
	if err := m.ipt.ClearAndDeleteChain("nat", chainName); err != nil {
		log.Debugf("Failed to delete chain %s: %v", chainName, err)
	}
}

type renderedRule struct {
	table string
	chain string
	spec  []string
}

// renderRules renders the configured rule templates, falling back to a
// plain DNAT in the dnsfence chain when none are configured.
func (m *Manager) renderRules(fakeDNS netip.Addr) []renderedRule {
	if len(m.cfg.Rules) == 0 {
		return []renderedRule{{
			table: "nat",
			chain: chainName,
			spec: []string{
				"-p", "udp", "--dport", strconv.Itoa(dnsPort),
				"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", fakeDNS, dnsPort),
			},
		}}
	}

	rules := make([]renderedRule, 0, len(m.cfg.Rules))
	for _, rule := range m.cfg.Rules {
		spec := make([]string, 0, len(rule.Rule))
		for _, part := range rule.Rule {
			spec = append(spec, RenderRulePart(part, fakeDNS, m.mark))
		}
		rules = append(rules, renderedRule{table: rule.Table, chain: rule.Chain, spec: spec})
	}
	return rules
}

// RenderRulePart substitutes the template placeholders in one rule token.
func RenderRulePart(template string, fakeDNS netip.Addr, mark uint32) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	t := fasttemplate.New(template, "{{", "}}")
	return t.ExecuteString(map[string]interface{}{
		tmplFakeDNS: fakeDNS.String(),
		tmplPort:    strconv.Itoa(dnsPort),
		tmplMark:    strconv.FormatUint(uint64(mark), 10),
	})
}
