package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID returns the MQTT client id stored in dataDir,
// creating and persisting a new one on first use. A stable id lets the
// broker hand a reconnecting client its own session back.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	clientID := "secretplan-" + id.String()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(clientID+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client id to %s: %w", path, err)
	}
	return clientID, nil
}
