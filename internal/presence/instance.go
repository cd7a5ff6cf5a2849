package presence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the MQTT client instance id from the
// state directory, generating and persisting a new UUIDv7 on first use.
// The id is stable across restarts so broker-side session state and
// retained topics survive reconnects.
func LoadOrCreateInstanceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return idStr, nil
}
