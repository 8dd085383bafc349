// Package config loads the full-system boot configuration: the TOML file
// describing core count, memory size, the guest kernel, and the virtio
// devices to attach. Grounded on original_source/src/config.rs for the
// field shapes and defaults, and on tinyrange-cc's cmd/ccapp/site_config.go
// for the load-and-validate idiom (slog diagnostics, explicit defaulting)
// substituting github.com/BurntSushi/toml for the teacher's yaml.v3 since
// spec.md §6 specifies a TOML configuration format.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/BurntSushi/toml"
)

// RandomKind selects a virtio-rng backend.
type RandomKind string

const (
	RandomPseudo RandomKind = "pseudo"
	RandomOS     RandomKind = "os"
)

const (
	defaultCores    = 4
	defaultMemoryMB = 1024
	defaultCmdline  = "console=hvc0 rw root=/dev/vda"
	defaultMAC      = "02:00:00:00:00:01"
	defaultSeed     = 0xcafebabedeadbeef
)

// Drive is one `[[drive]]` table: a block device backed by a host file.
type Drive struct {
	Path   string `toml:"path"`
	Shadow bool   `toml:"shadow"`
}

// Random is one `[[random]]` table: a virtio-rng source.
type Random struct {
	Type RandomKind `toml:"type"`
	Seed uint64     `toml:"seed"`

	seedSet bool
}

// UnmarshalTOML lets Random distinguish an explicit seed of 0 from an
// absent seed, since toml.Decode alone can't tell a missing key from a
// zero value without a pointer field, and defaultSeed must only apply
// to the latter.
func (r *Random) UnmarshalTOML(data interface{}) error {
	m, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("config: random entry must be a table")
	}
	if t, ok := m["type"]; ok {
		s, _ := t.(string)
		r.Type = RandomKind(s)
	}
	if s, ok := m["seed"]; ok {
		switch v := s.(type) {
		case int64:
			r.Seed = uint64(v)
		case uint64:
			r.Seed = v
		}
		r.seedSet = true
	}
	return nil
}

// Share is one `[[share]]` table: a host directory exported over virtio-9p.
type Share struct {
	Tag  string `toml:"tag"`
	Path string `toml:"path"`
}

// Network is one `[[network]]` table: a virtio-net adapter.
type Network struct {
	MAC string `toml:"mac"`
}

// ParseMAC validates and converts n.MAC into the 6-byte form virtio-net's
// config space wants.
func (n Network) ParseMAC() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(n.MAC)
	if err != nil {
		return out, fmt.Errorf("config: invalid mac %q: %w", n.MAC, err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("config: mac %q is not an ethernet address", n.MAC)
	}
	copy(out[:], hw)
	return out, nil
}

// System is the fully decoded, defaulted configuration for one guest.
type System struct {
	Cores   int    `toml:"core"`
	Kernel  string `toml:"kernel"`
	Memory  int    `toml:"memory"` // MiB
	Cmdline string `toml:"cmdline"`

	Drive   []Drive   `toml:"drive"`
	Random  []Random  `toml:"random"`
	Share   []Share   `toml:"share"`
	Network []Network `toml:"network"`
}

// Load reads and decodes the TOML configuration at path, applying
// spec.md §6's defaults for any field the file omits.
func Load(path string) (*System, error) {
	var sys System
	meta, err := toml.DecodeFile(path, &sys)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(meta.Undecoded()) > 0 {
		slog.Warn("config: unrecognized keys", "path", path, "keys", meta.Undecoded())
	}
	if sys.Kernel == "" {
		return nil, fmt.Errorf("config: %s: kernel path is required", path)
	}
	if !meta.IsDefined("core") || sys.Cores == 0 {
		sys.Cores = defaultCores
	}
	if !meta.IsDefined("memory") || sys.Memory == 0 {
		sys.Memory = defaultMemoryMB
	}
	if sys.Cmdline == "" {
		sys.Cmdline = defaultCmdline
	}
	for i := range sys.Random {
		if !sys.Random[i].seedSet {
			sys.Random[i].Seed = defaultSeed
		}
		if sys.Random[i].Type == "" {
			sys.Random[i].Type = RandomPseudo
		}
	}
	for i := range sys.Network {
		if sys.Network[i].MAC == "" {
			sys.Network[i].MAC = defaultMAC
		}
	}

	if _, err := os.Stat(sys.Kernel); err != nil {
		return nil, fmt.Errorf("config: kernel %q: %w", sys.Kernel, err)
	}
	for _, d := range sys.Drive {
		if _, err := os.Stat(d.Path); err != nil {
			return nil, fmt.Errorf("config: drive %q: %w", d.Path, err)
		}
	}
	for _, s := range sys.Share {
		info, err := os.Stat(s.Path)
		if err != nil {
			return nil, fmt.Errorf("config: share %q: %w", s.Path, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("config: share %q: not a directory", s.Path)
		}
	}

	slog.Info("config: loaded", "path", path, "cores", sys.Cores, "memory_mb", sys.Memory,
		"drives", len(sys.Drive), "shares", len(sys.Share), "networks", len(sys.Network))
	return &sys, nil
}
