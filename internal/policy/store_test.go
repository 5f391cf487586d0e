package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dnsfence/dnsfence/internal/config"
)

func storeFromLists(lists ...*config.ListSource) *Store {
	return NewStore(&config.Config{Lists: lists})
}

func TestLookup_ExactMatch(t *testing.T) {
	store := storeFromLists(&config.ListSource{
		ListName: "ads",
		Hosts:    []string{"ads.example.com"},
		Action:   "block",
	})

	tests := []struct {
		name string
		want Classification
	}{
		{"ads.example.com", Blocked},
		{"ADS.Example.COM", Blocked},
		{"ads.example.com.", Blocked},
		{"sub.ads.example.com", Allowed},
		{"example.com", Allowed},
	}

	for _, tt := range tests {
		if got := store.Lookup(tt.name).Classification; got != tt.want {
			t.Errorf("Lookup(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLookup_Wildcard(t *testing.T) {
	store := storeFromLists(&config.ListSource{
		ListName: "trackers",
		Hosts:    []string{"*.doubleclick.net"},
		Action:   "block",
	})

	tests := []struct {
		name string
		want Classification
	}{
		{"ad.doubleclick.net", Blocked},
		{"deep.sub.doubleclick.net", Blocked},
		{"doubleclick.net", Blocked}, // base domain matches the wildcard
		{"notdoubleclick.net", Allowed},
	}

	for _, tt := range tests {
		if got := store.Lookup(tt.name).Classification; got != tt.want {
			t.Errorf("Lookup(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLookup_Redirect(t *testing.T) {
	store := storeFromLists(&config.ListSource{
		ListName:       "pinned",
		Hosts:          []string{"intranet.example.com"},
		Action:         "redirect",
		RedirectTarget: "10.0.0.53",
	})

	entry := store.Lookup("intranet.example.com")
	if entry.Classification != Redirected {
		t.Fatalf("Expected Redirected, got %v", entry.Classification)
	}
	if entry.RedirectTarget != "10.0.0.53" {
		t.Errorf("Expected target 10.0.0.53, got %s", entry.RedirectTarget)
	}
}

func TestLookup_AllowOverridesBlock(t *testing.T) {
	store := storeFromLists(
		&config.ListSource{
			ListName: "ads",
			Hosts:    []string{"*.example.com"},
			Action:   "block",
		},
		&config.ListSource{
			ListName: "exceptions",
			Hosts:    []string{"good.example.com"},
			Action:   "allow",
		},
	)

	if got := store.Lookup("good.example.com").Classification; got != Allowed {
		t.Errorf("Expected allow list to win, got %v", got)
	}
	if got := store.Lookup("bad.example.com").Classification; got != Blocked {
		t.Errorf("Expected block for unlisted subdomain, got %v", got)
	}
}

func TestLookup_BlockOverridesRedirect(t *testing.T) {
	store := storeFromLists(
		&config.ListSource{
			ListName:       "pinned",
			Hosts:          []string{"dual.example.com"},
			Action:         "redirect",
			RedirectTarget: "10.0.0.53",
		},
		&config.ListSource{
			ListName: "ads",
			Hosts:    []string{"dual.example.com"},
			Action:   "block",
		},
	)

	if got := store.Lookup("dual.example.com").Classification; got != Blocked {
		t.Errorf("Expected block to outrank redirect, got %v", got)
	}
}

func TestProcessListFile_HostsFormat(t *testing.T) {
	tmpDir := t.TempDir()
	listFile := filepath.Join(tmpDir, "hosts.txt")
	content := `# comment line
! adblock-style comment

127.0.0.1 localhost
0.0.0.0 ads.example.com tracker.example.com
127.0.0.1 analytics.example.com # trailing comment
10.0.0.53 pinned.example.com
bare-domain.example.com
*.wild.example.com
`
	if err := os.WriteFile(listFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write list file: %v", err)
	}

	store := storeFromLists(&config.ListSource{
		ListName: "mixed",
		File:     listFile,
		Action:   "block",
	})

	tests := []struct {
		name   string
		want   Classification
		target string
	}{
		{"ads.example.com", Blocked, ""},
		{"tracker.example.com", Blocked, ""},
		{"analytics.example.com", Blocked, ""},
		{"pinned.example.com", Redirected, "10.0.0.53"},
		{"bare-domain.example.com", Blocked, ""},
		{"a.wild.example.com", Blocked, ""},
		{"localhost", Allowed, ""},
		{"unlisted.example.com", Allowed, ""},
	}

	for _, tt := range tests {
		entry := store.Lookup(tt.name)
		if entry.Classification != tt.want {
			t.Errorf("Lookup(%q) = %v, want %v", tt.name, entry.Classification, tt.want)
		}
		if entry.RedirectTarget != tt.target {
			t.Errorf("Lookup(%q) target = %q, want %q", tt.name, entry.RedirectTarget, tt.target)
		}
	}
}

func TestReload(t *testing.T) {
	store := storeFromLists(&config.ListSource{
		ListName: "ads",
		Hosts:    []string{"old.example.com"},
		Action:   "block",
	})

	store.Reload(&config.Config{Lists: []*config.ListSource{
		{ListName: "ads", Hosts: []string{"new.example.com"}, Action: "block"},
	}})

	if got := store.Lookup("old.example.com").Classification; got != Allowed {
		t.Errorf("Expected old entry gone after reload, got %v", got)
	}
	if got := store.Lookup("new.example.com").Classification; got != Blocked {
		t.Errorf("Expected new entry after reload, got %v", got)
	}
}

func TestStats(t *testing.T) {
	store := storeFromLists(&config.ListSource{
		ListName: "ads",
		Hosts:    []string{"a.example.com", "b.example.com", "*.c.example.com"},
		Action:   "block",
	})

	exact, wildcard := store.Stats()
	if exact != 3 { // a, b, and the wildcard's base domain
		t.Errorf("Expected 3 exact patterns, got %d", exact)
	}
	if wildcard != 1 {
		t.Errorf("Expected 1 wildcard pattern, got %d", wildcard)
	}
}
