package directory

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a file-backed directory.
type File struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

type TenantConfig struct {
	ID              string           `yaml:"id"`
	DIDs            []DID            `yaml:"dids"`
	Extensions      []Extension      `yaml:"extensions"`
	RingGroups      []RingGroup      `yaml:"ring_groups"`
	IVRMenus        []IVRMenu        `yaml:"ivr_menus"`
	ConferenceRooms []ConferenceRoom `yaml:"conference_rooms"`
	AIAgents        []AIAgent        `yaml:"ai_agents"`
	Queues          []Queue          `yaml:"queues"`
}

// MemoryStore is an in-memory Resolver, loaded from YAML for single-node
// deployments and used directly by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	dids  map[string]DID
	dests map[string]Destination
	exts  map[string]*Extension
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dids:  map[string]DID{},
		dests: map[string]Destination{},
		exts:  map[string]*Extension{},
	}
}

// LoadFile reads a YAML directory file.
func LoadFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadYAML(f)
}

func LoadYAML(r io.Reader) (*MemoryStore, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("directory: decode yaml: %w", err)
	}
	s := NewMemoryStore()
	if err := s.Load(file); err != nil {
		return nil, err
	}
	return s, nil
}

// Load adds every record in file, failing on the first invalid one.
func (s *MemoryStore) Load(file File) error {
	for _, t := range file.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("directory: tenant id required")
		}
		for i := range t.Extensions {
			if err := s.Put(t.ID, &t.Extensions[i]); err != nil {
				return err
			}
		}
		for i := range t.RingGroups {
			if err := s.Put(t.ID, &t.RingGroups[i]); err != nil {
				return err
			}
		}
		for i := range t.IVRMenus {
			if err := s.Put(t.ID, &t.IVRMenus[i]); err != nil {
				return err
			}
		}
		for i := range t.ConferenceRooms {
			if err := s.Put(t.ID, &t.ConferenceRooms[i]); err != nil {
				return err
			}
		}
		for i := range t.AIAgents {
			if err := s.Put(t.ID, &t.AIAgents[i]); err != nil {
				return err
			}
		}
		for i := range t.Queues {
			if err := s.Put(t.ID, &t.Queues[i]); err != nil {
				return err
			}
		}
		for _, d := range t.DIDs {
			d.TenantID = t.ID
			if err := s.PutDID(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutDID adds or replaces a DID.
func (s *MemoryStore) PutDID(d DID) error {
	if err := validateDID(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dids[d.Number] = d
	return nil
}

// Put adds or replaces a stored destination record for tenantID.
func (s *MemoryStore) Put(tenantID string, d Destination) error {
	id, err := setTenant(tenantID, d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dests[destKey(tenantID, d.Type(), id)] = d
	if ext, ok := d.(*Extension); ok && ext.Number != "" {
		s.exts[tenantID+"|"+ext.Number] = ext
	}
	return nil
}

func (s *MemoryStore) LookupDID(ctx context.Context, number string) (*DID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dids[number]
	if !ok {
		return nil, fmt.Errorf("%w: did %s", ErrNotFound, number)
	}
	return &d, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, tenantID string, ref Ref) (Destination, error) {
	if d, ok := inline(tenantID, ref); ok {
		return d, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dests[destKey(tenantID, ref.Type, ref.ID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err := checkType(ref, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *MemoryStore) ExtensionByNumber(ctx context.Context, tenantID, number string) (*Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.exts[tenantID+"|"+number]
	if !ok {
		return nil, fmt.Errorf("%w: extension %s", ErrNotFound, number)
	}
	return ext, nil
}

// All returns every record grouped by tenant, for seeding another store.
func (s *MemoryStore) All() File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTenant := map[string]*TenantConfig{}
	var order []string
	get := func(id string) *TenantConfig {
		t, ok := byTenant[id]
		if !ok {
			t = &TenantConfig{ID: id}
			byTenant[id] = t
			order = append(order, id)
		}
		return t
	}
	for _, d := range s.dests {
		switch v := d.(type) {
		case *Extension:
			t := get(v.TenantID)
			t.Extensions = append(t.Extensions, *v)
		case *RingGroup:
			t := get(v.TenantID)
			t.RingGroups = append(t.RingGroups, *v)
		case *IVRMenu:
			t := get(v.TenantID)
			t.IVRMenus = append(t.IVRMenus, *v)
		case *ConferenceRoom:
			t := get(v.TenantID)
			t.ConferenceRooms = append(t.ConferenceRooms, *v)
		case *AIAgent:
			t := get(v.TenantID)
			t.AIAgents = append(t.AIAgents, *v)
		case *Queue:
			t := get(v.TenantID)
			t.Queues = append(t.Queues, *v)
		}
	}
	for _, d := range s.dids {
		t := get(d.TenantID)
		t.DIDs = append(t.DIDs, d)
	}

	var out File
	for _, id := range order {
		out.Tenants = append(out.Tenants, *byTenant[id])
	}
	return out
}

func destKey(tenantID string, t DestinationType, id string) string {
	return tenantID + "|" + string(t) + "|" + id
}

func validateDID(d DID) error {
	if strings.TrimSpace(d.Number) == "" {
		return fmt.Errorf("directory: did number required")
	}
	if strings.TrimSpace(d.TenantID) == "" {
		return fmt.Errorf("directory: did %s: tenant required", d.Number)
	}
	if !d.Destination.Type.Valid() {
		return fmt.Errorf("directory: did %s: invalid destination type %q", d.Number, d.Destination.Type)
	}
	return nil
}

// setTenant stamps tenantID onto a stored record and returns its id.
func setTenant(tenantID string, d Destination) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", fmt.Errorf("directory: tenant required")
	}
	var id string
	switch v := d.(type) {
	case *Extension:
		v.TenantID, id = tenantID, v.ID
	case *RingGroup:
		v.TenantID, id = tenantID, v.ID
	case *IVRMenu:
		v.TenantID, id = tenantID, v.ID
	case *ConferenceRoom:
		v.TenantID, id = tenantID, v.ID
	case *AIAgent:
		v.TenantID, id = tenantID, v.ID
	case *Queue:
		v.TenantID, id = tenantID, v.ID
	default:
		return "", fmt.Errorf("directory: %s destinations are not stored", d.Type())
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("directory: %s id required", d.Type())
	}
	return id, nil
}
