package policy

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
)

// Classification is the decision for a single hostname.
type Classification uint8

const (
	// Allowed hosts are resolved through the real upstream.
	Allowed Classification = iota
	// Blocked hosts get a synthetic negative answer.
	Blocked
	// Redirected hosts get a synthetic answer pointing at RedirectTarget.
	Redirected
)

func (c Classification) String() string {
	switch c {
	case Blocked:
		return "BLOCKED"
	case Redirected:
		return "REDIRECTED"
	default:
		return "ALLOWED"
	}
}

// HostEntry is the result of a policy lookup.
type HostEntry struct {
	Hostname       string
	Classification Classification
	RedirectTarget string
}

// entry is the internal per-pattern record. Allow entries outrank blocks,
// blocks outrank redirects, so a host present on both an allow list and a
// block list resolves normally.
type entry struct {
	classification Classification
	redirectTarget string
}

func (e *entry) rank() int {
	switch e.classification {
	case Allowed:
		return 3
	case Blocked:
		return 2
	default:
		return 1
	}
}

// Store matches hostnames against the configured lists. Lookup is
// synchronous and safe for concurrent use; Reload swaps the maps under a
// write lock.
type Store struct {
	mu sync.RWMutex

	// exactDomains maps exact lowercased hostname to its entry
	exactDomains map[string]*entry

	// wildcardSuffixes maps domain suffix (without leading dot) to its entry
	// e.g. "example.com" matches "*.example.com"
	wildcardSuffixes map[string]*entry
}

// NewStore builds a store from the application config.
func NewStore(cfg *config.Config) *Store {
	s := &Store{
		exactDomains:     make(map[string]*entry),
		wildcardSuffixes: make(map[string]*entry),
	}
	s.rebuild(cfg)
	return s
}

// Reload rebuilds the store from the updated configuration.
func (s *Store) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuild(cfg)
}

// rebuild rebuilds the internal maps from config (must be called with lock held).
func (s *Store) rebuild(cfg *config.Config) {
	s.exactDomains = make(map[string]*entry)
	s.wildcardSuffixes = make(map[string]*entry)

	for _, list := range cfg.Lists {
		defaultEntry := listEntry(list)

		for _, host := range list.Hosts {
			s.addPattern(host, defaultEntry)
		}

		if list.File != "" {
			s.processListFile(list.File, defaultEntry)
		}
	}

	log.Debugf("Policy store rebuilt: %d exact hosts, %d wildcard suffixes",
		len(s.exactDomains), len(s.wildcardSuffixes))
}

// listEntry converts a list's action into the default entry for its hosts.
func listEntry(list *config.ListSource) *entry {
	switch list.Action {
	case "allow":
		return &entry{classification: Allowed}
	case "redirect":
		return &entry{classification: Redirected, redirectTarget: list.RedirectTarget}
	default:
		return &entry{classification: Blocked}
	}
}

// processListFile reads one list file. Two formats are accepted per line:
// hosts-file entries ("IP hostname [hostname...]") and bare domains. A
// hosts-file entry pointing at a real address becomes a redirect to that
// address; loopback and unspecified addresses fall back to the list action.
func (s *Store) processListFile(path string, defaultEntry *entry) {
	file, err := os.Open(path)
	if err != nil {
		log.Warnf("Could not open list file %s: %v", path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if ip := net.ParseIP(fields[0]); ip != nil {
			if len(fields) < 2 {
				continue
			}
			lineEntry := defaultEntry
			if !ip.IsLoopback() && !ip.IsUnspecified() {
				lineEntry = &entry{classification: Redirected, redirectTarget: fields[0]}
			}
			for _, host := range fields[1:] {
				if host == "localhost" || host == "localhost.localdomain" {
					continue
				}
				s.addPattern(host, lineEntry)
			}
			continue
		}

		// bare domain format
		s.addPattern(fields[0], defaultEntry)
	}

	if err := scanner.Err(); err != nil {
		log.Warnf("Error reading list file %s: %v", path, err)
	}
}

// addPattern registers one pattern (must be called with lock held).
func (s *Store) addPattern(pattern string, e *entry) {
	pattern = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(pattern, ".")))
	if pattern == "" {
		return
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		s.wildcardSuffixes[suffix] = higherRank(s.wildcardSuffixes[suffix], e)
		// The base domain matches the wildcard too
		s.exactDomains[suffix] = higherRank(s.exactDomains[suffix], e)
	} else {
		s.exactDomains[pattern] = higherRank(s.exactDomains[pattern], e)
	}
}

// higherRank keeps the stronger of two entries for the same pattern.
func higherRank(existing, candidate *entry) *entry {
	if existing == nil || candidate.rank() > existing.rank() {
		return candidate
	}
	return existing
}

// Lookup classifies a hostname. Absent hosts are Allowed. The name is
// lowercased and a trailing dot is ignored, so wire-format qnames can be
// passed directly.
func (s *Store) Lookup(hostname string) HostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	result := HostEntry{Hostname: hostname, Classification: Allowed}

	var best *entry
	if e, exists := s.exactDomains[hostname]; exists {
		best = e
	}

	// For "sub.ads.example.com" check the wildcard suffixes
	// "ads.example.com", "example.com" and "com".
	parts := strings.Split(hostname, ".")
	for i := 1; i < len(parts); i++ {
		suffix := strings.Join(parts[i:], ".")
		if e, exists := s.wildcardSuffixes[suffix]; exists {
			best = higherRank(best, e)
		}
	}

	if best != nil {
		result.Classification = best.classification
		result.RedirectTarget = best.redirectTarget
	}
	return result
}

// Stats returns the number of exact and wildcard patterns.
func (s *Store) Stats() (exactCount, wildcardCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exactDomains), len(s.wildcardSuffixes)
}
