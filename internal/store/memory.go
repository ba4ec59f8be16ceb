package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayline/frontdesk/pkg/types"
)

// MemStore is an in-memory implementation of TenantStore and CallStore.
// It is used by tests and by single-node development setups without Postgres.
// All methods are safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	Tenants       map[string]*Tenant
	VoiceProfiles map[string]*types.VoiceProfile

	Sessions     map[string]*CallSession
	Turns        map[string][]types.Turn
	Leads        []*Lead
	Appointments []*Appointment
	Transfers    []*TransferRecord
}

// Compile-time interface checks.
var (
	_ TenantStore = (*MemStore)(nil)
	_ CallStore   = (*MemStore)(nil)
)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		Tenants:       make(map[string]*Tenant),
		VoiceProfiles: make(map[string]*types.VoiceProfile),
		Sessions:      make(map[string]*CallSession),
		Turns:         make(map[string][]types.Turn),
	}
}

// PutTenant stores a tenant, replacing any existing record with the same id.
func (m *MemStore) PutTenant(t *Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.Tenants[t.ID] = &cp
}

// PutVoiceProfile stores a voice profile.
func (m *MemStore) PutVoiceProfile(v *types.VoiceProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.VoiceProfiles[v.ID] = &cp
}

// GetTenant implements TenantStore.
func (m *MemStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.Tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// GetVoiceProfile implements TenantStore.
func (m *MemStore) GetVoiceProfile(_ context.Context, id string) (*types.VoiceProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.VoiceProfiles[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// AddTrialMinutes implements TenantStore.
func (m *MemStore) AddTrialMinutes(_ context.Context, tenantID string, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tenants[tenantID]
	if !ok {
		return fmt.Errorf("store: tenant %q not found", tenantID)
	}
	t.TrialMinutesUsed += minutes
	t.UpdatedAt = time.Now()
	return nil
}

// AddPaidMinutes implements TenantStore.
func (m *MemStore) AddPaidMinutes(_ context.Context, tenantID string, minutes int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tenants[tenantID]
	if !ok {
		return 0, fmt.Errorf("store: tenant %q not found", tenantID)
	}
	t.PaidMinutesUsed += minutes
	t.UpdatedAt = time.Now()
	return t.PaidMinutesUsed, nil
}

// UpsertSession implements CallStore.
func (m *MemStore) UpsertSession(_ context.Context, sess *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.Sessions[sess.CallSID] = &cp
	return nil
}

// GetSession returns the stored session for callSID, or nil.
func (m *MemStore) GetSession(callSID string) *CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.Sessions[callSID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// AppendTurns implements CallStore.
func (m *MemStore) AppendTurns(_ context.Context, callSID string, turns []types.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Turns[callSID] = append(m.Turns[callSID], turns...)
	return nil
}

// TurnsFor returns a copy of the stored turns for callSID.
func (m *MemStore) TurnsFor(callSID string) []types.Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := make([]types.Turn, len(m.Turns[callSID]))
	copy(turns, m.Turns[callSID])
	return turns
}

// InsertLead implements CallStore.
func (m *MemStore) InsertLead(_ context.Context, lead *Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Source == "" {
		lead.Source = "phone"
	}
	if lead.Status == "" {
		lead.Status = "new"
	}
	lead.CreatedAt = time.Now()
	cp := *lead
	m.Leads = append(m.Leads, &cp)
	return nil
}

// InsertAppointment implements CallStore.
func (m *MemStore) InsertAppointment(_ context.Context, appt *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	appt.CreatedAt = time.Now()
	cp := *appt
	m.Appointments = append(m.Appointments, &cp)
	return nil
}

// InsertTransfer implements CallStore.
func (m *MemStore) InsertTransfer(_ context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now()
	cp := *rec
	m.Transfers = append(m.Transfers, &cp)
	return nil
}

// LeadCount returns the number of stored leads. Thread-safe.
func (m *MemStore) LeadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Leads)
}

// AppointmentCount returns the number of stored appointments. Thread-safe.
func (m *MemStore) AppointmentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Appointments)
}

// TransferCount returns the number of stored transfer records. Thread-safe.
func (m *MemStore) TransferCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Transfers)
}
