// Package identity resolves the local operator identity recorded on
// approvals and the audit trail.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Profile identifies the human operator of this installation.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Actor is the string stamped onto decisions and audit entries.
func (p Profile) Actor() string {
	if p.Email != "" {
		return fmt.Sprintf("%s <%s>", p.Name, p.Email)
	}
	return p.Name
}

func profilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".minion", "identity.json"), nil
}

// Load reads the operator profile, falling back to user@hostname when no
// profile has been saved. Governance decisions always have a named actor.
func Load() Profile {
	path, err := profilePath()
	if err == nil {
		if data, err := os.ReadFile(path); err == nil {
			var p Profile
			if json.Unmarshal(data, &p) == nil && p.Name != "" {
				return p
			}
		}
	}
	return fallbackProfile()
}

// Save persists the profile with owner-only permissions.
func Save(p Profile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func fallbackProfile() Profile {
	name := os.Getenv("USER")
	if name == "" {
		name = "operator"
	}
	if host, err := os.Hostname(); err == nil {
		name = name + "@" + host
	}
	return Profile{Name: name}
}
