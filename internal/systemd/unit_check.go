package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HashFile is the name of the install-time unit hash inside the data dir.
const HashFile = "unit-file.sha256"

// HashPath returns where the unit hash is recorded for dataDir.
func HashPath(dataDir string) string {
	return filepath.Join(dataDir, HashFile)
}

// CheckUnitFileIntegrity compares the unit file against the hash recorded
// at install time. It returns a warning if the unit was modified, or ""
// if it matches or there is nothing to compare.
func CheckUnitFileIntegrity(unitPath, hashPath string) string {
	if _, err := os.Stat(unitPath); err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	h := sha256.Sum256(data)
	actual := hex.EncodeToString(h[:])
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitFileHash writes the SHA-256 of the unit file to hashPath.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	h := sha256.Sum256(data)
	return os.WriteFile(hashPath, []byte(hex.EncodeToString(h[:])+"\n"), 0o600)
}
