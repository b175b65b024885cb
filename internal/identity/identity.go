// Package identity manages the installation-scoped client identity used
// to correlate remote reconciliation calls with the local entitlement.
package identity

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"tiergate/internal/entitlement"
)

const clientIDKey = "client.id"

// Identity is the process-wide client identity: a random unique id
// generated on first run and reused for the installation's lifetime,
// plus a coarse device summary sent with activation pushes. Read-only
// after initialization.
type Identity struct {
	ClientID string
	Hostname string
	OS       string
	Arch     string
}

// Load reads the client id from the persistence backend, generating and
// persisting a fresh one on first run.
func Load(kv entitlement.KeyValueStore) (*Identity, error) {
	clientID, err := kv.GetString(clientIDKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read client id: %w", err)
	}

	if clientID == "" {
		clientID = uuid.New().String()
		if err := kv.SetString(clientIDKey, clientID); err != nil {
			return nil, fmt.Errorf("failed to persist client id: %w", err)
		}
		slog.Info("Generated new client identity",
			slog.String("component", "identity"),
			slog.String("client_id", clientID),
		)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	return &Identity{
		ClientID: clientID,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}, nil
}

// DeviceInfo summarizes the device for the authority's fraud detection.
// Deliberately coarse: no MAC addresses or serial numbers.
func (i *Identity) DeviceInfo() string {
	return fmt.Sprintf("%s/%s/%s", i.Hostname, i.OS, i.Arch)
}
