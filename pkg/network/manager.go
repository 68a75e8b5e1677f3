package network

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/types"
)

var bucketNetworks = []byte("networks")

// Manager owns the user-defined networks, persisting them in a bbolt
// database so allocations survive process restarts.
type Manager struct {
	mu     sync.RWMutex
	db     *bolt.DB
	logger zerolog.Logger
}

// NewManager opens (or creates) the network database under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	dbPath := filepath.Join(dataDir, "networks.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errdefs.Config("opening network database %s: %v", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNetworks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Config("initializing network database: %v", err)
	}

	return &Manager{
		db:     db,
		logger: log.WithComponent("network"),
	}, nil
}

// Close closes the database.
func (m *Manager) Close() error { return m.db.Close() }

// Create defines a new network over the given subnet. The driver is
// always "bridge".
func (m *Manager) Create(name, subnet string, labels map[string]string) (*types.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, _ := m.getLocked(name); existing != nil {
		return nil, errdefs.Config("network %q already exists", name)
	}

	ipam, err := NewIPAM(subnet)
	if err != nil {
		return nil, err
	}

	nw := &types.Network{
		Name:      name,
		Subnet:    ipam.CIDR(),
		Gateway:   ipam.Gateway(),
		Driver:    "bridge",
		Labels:    labels,
		Endpoints: make(map[string]*types.Endpoint),
		CreatedAt: time.Now().UTC(),
	}

	if err := m.putLocked(nw); err != nil {
		return nil, err
	}

	m.logger.Info().Str("network", name).Str("subnet", nw.Subnet).Msg("Created network")
	return nw, nil
}

// Get returns a network by name.
func (m *Manager) Get(name string) (*types.Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(name)
}

// List returns all networks.
func (m *Manager) List() ([]*types.Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var networks []*types.Network
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(_, v []byte) error {
			var nw types.Network
			if err := json.Unmarshal(v, &nw); err != nil {
				return err
			}
			networks = append(networks, &nw)
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Config("listing networks: %v", err)
	}
	return networks, nil
}

// Remove deletes a network. A network with connected endpoints cannot
// be removed.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, err := m.getLocked(name)
	if err != nil {
		return err
	}
	if len(nw.Endpoints) > 0 {
		return errdefs.Config("network %q has %d connected boxes", name, len(nw.Endpoints))
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).Delete([]byte(name))
	})
	if err != nil {
		return errdefs.Config("removing network %q: %v", name, err)
	}

	m.logger.Info().Str("network", name).Msg("Removed network")
	return nil
}

// Connect allocates an address on the network for a box and registers
// its endpoint. Connecting the same box twice fails.
func (m *Manager) Connect(name, boxID, boxName string) (*types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, err := m.getLocked(name)
	if err != nil {
		return nil, err
	}
	if _, connected := nw.Endpoints[boxID]; connected {
		return nil, errdefs.Config("box %q is already connected to network %q", boxID, name)
	}

	ipam, err := NewIPAM(nw.Subnet)
	if err != nil {
		return nil, err
	}

	used := make([]net.IP, 0, len(nw.Endpoints))
	for _, ep := range nw.Endpoints {
		used = append(used, ep.IPAddress)
	}

	ip, err := ipam.Allocate(used)
	if err != nil {
		return nil, err
	}

	ep := &types.Endpoint{
		BoxID:      boxID,
		BoxName:    boxName,
		IPAddress:  ip,
		MACAddress: MACFromIP(ip),
	}
	nw.Endpoints[boxID] = ep

	if err := m.putLocked(nw); err != nil {
		return nil, err
	}

	m.logger.Info().Str("network", name).Str("box_id", types.ShortID(boxID)).
		Str("ip", ip.String()).Str("mac", ep.MACAddress).Msg("Connected box")
	return ep, nil
}

// Disconnect releases a box's endpoint, making its address reusable.
func (m *Manager) Disconnect(name, boxID string) (*types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, err := m.getLocked(name)
	if err != nil {
		return nil, err
	}
	ep, connected := nw.Endpoints[boxID]
	if !connected {
		return nil, errdefs.NotFound("box %q is not connected to network %q", boxID, name)
	}
	delete(nw.Endpoints, boxID)

	if err := m.putLocked(nw); err != nil {
		return nil, err
	}

	m.logger.Info().Str("network", name).Str("box_id", types.ShortID(boxID)).
		Msg("Disconnected box")
	return ep, nil
}

func (m *Manager) getLocked(name string) (*types.Network, error) {
	var nw *types.Network
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNetworks).Get([]byte(name))
		if raw == nil {
			return nil
		}
		nw = &types.Network{}
		return json.Unmarshal(raw, nw)
	})
	if err != nil {
		return nil, errdefs.Config("reading network %q: %v", name, err)
	}
	if nw == nil {
		return nil, errdefs.NotFound("network %q", name)
	}
	return nw, nil
}

func (m *Manager) putLocked(nw *types.Network) error {
	data, err := json.Marshal(nw)
	if err != nil {
		return errdefs.Config("encoding network %q: %v", nw.Name, err)
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).Put([]byte(nw.Name), data)
	})
	if err != nil {
		return errdefs.Config("persisting network %q: %v", nw.Name, err)
	}
	return nil
}
