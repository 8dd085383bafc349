package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "vm.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernel, []byte("elf"), 0644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, "kernel = \""+kernel+"\"\n")

	sys, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sys.Cores != defaultCores {
		t.Errorf("Cores = %d, want %d", sys.Cores, defaultCores)
	}
	if sys.Memory != defaultMemoryMB {
		t.Errorf("Memory = %d, want %d", sys.Memory, defaultMemoryMB)
	}
	if sys.Cmdline != defaultCmdline {
		t.Errorf("Cmdline = %q, want %q", sys.Cmdline, defaultCmdline)
	}
}

func TestLoadMissingKernel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "core = 2\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing kernel field")
	}
}

func TestLoadDriveSharesAndNetwork(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	drive := filepath.Join(dir, "disk.img")
	shareDir := filepath.Join(dir, "shared")
	for _, p := range []string{kernel, drive} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(shareDir, 0755); err != nil {
		t.Fatal(err)
	}

	body := "core = 2\n" +
		"kernel = \"" + kernel + "\"\n" +
		"[[drive]]\n" +
		"path = \"" + drive + "\"\n" +
		"shadow = true\n" +
		"[[random]]\n" +
		"type = \"os\"\n" +
		"[[share]]\n" +
		"tag = \"host0\"\n" +
		"path = \"" + shareDir + "\"\n" +
		"[[network]]\n"

	sys, err := Load(writeConfig(t, dir, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sys.Drive) != 1 || !sys.Drive[0].Shadow {
		t.Fatalf("Drive = %+v", sys.Drive)
	}
	if len(sys.Random) != 1 || sys.Random[0].Seed != defaultSeed {
		t.Fatalf("Random = %+v", sys.Random)
	}
	if len(sys.Share) != 1 || sys.Share[0].Tag != "host0" {
		t.Fatalf("Share = %+v", sys.Share)
	}
	if len(sys.Network) != 1 || sys.Network[0].MAC != defaultMAC {
		t.Fatalf("Network = %+v", sys.Network)
	}
	if _, err := sys.Network[0].ParseMAC(); err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
}

func TestLoadMissingDrive(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernel, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	body := "kernel = \"" + kernel + "\"\n[[drive]]\npath = \"" + filepath.Join(dir, "missing.img") + "\"\n"
	if _, err := Load(writeConfig(t, dir, body)); err == nil {
		t.Fatal("expected error for missing drive backing file")
	}
}
