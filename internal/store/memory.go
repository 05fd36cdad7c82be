package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xpertai/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Xperts        map[string]*models.Xpert               `json:"xperts"`
	Agents        map[string]*models.XpertAgent          `json:"agents"`
	Executions    map[string]*models.XpertAgentExecution `json:"executions"`
	Conversations map[string]*models.ChatConversation    `json:"conversations"`
}

// MemoryStore implements Store with in-memory maps. With a data directory
// it snapshots to disk so data survives restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	xperts        map[string]*models.Xpert               // key: id
	agents        map[string]*models.XpertAgent          // key: id
	executions    map[string]*models.XpertAgentExecution // key: id
	conversations map[string]*models.ChatConversation    // key: id

	// Serializes RunInTx callers.
	txMu sync.Mutex

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// data is persisted to dataDir/data.json and reloaded on start.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		xperts:        make(map[string]*models.Xpert),
		agents:        make(map[string]*models.XpertAgent),
		executions:    make(map[string]*models.XpertAgentExecution),
		conversations: make(map[string]*models.ChatConversation),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{
		Xperts:        m.xperts,
		Agents:        m.agents,
		Executions:    m.executions,
		Conversations: m.conversations,
	}, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Xperts != nil {
		m.xperts = snap.Xperts
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}

	// A crash mid-turn leaves RUNNING records behind; close them.
	var orphaned int
	now := time.Now().UTC()
	for _, e := range m.executions {
		if e.Status == models.ExecutionRunning {
			e.Finish(models.ExecutionError, "interrupted by restart", now)
			orphaned++
		}
	}

	log.Info().
		Int("xperts", len(m.xperts)).
		Int("agents", len(m.agents)).
		Int("executions", len(m.executions)).
		Int("orphaned", orphaned).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// clone deep-copies v so callers never share slices or maps with the store.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic("store: clone: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("store: clone: " + err.Error())
	}
	return out
}

// ── Transactions ────────────────────────────────────────────

// journal remembers the state of every xpert/agent row before its first
// write inside a transaction. A nil prior value means the row was absent.
type journal struct {
	xperts map[string]*models.Xpert
	agents map[string]*models.XpertAgent
}

func newJournal() *journal {
	return &journal{
		xperts: make(map[string]*models.Xpert),
		agents: make(map[string]*models.XpertAgent),
	}
}

// Callers hold m.mu.
func (j *journal) touchXpert(m *MemoryStore, id string) {
	if j == nil {
		return
	}
	if _, seen := j.xperts[id]; !seen {
		j.xperts[id] = m.xperts[id]
	}
}

func (j *journal) touchAgent(m *MemoryStore, id string) {
	if j == nil {
		return
	}
	if _, seen := j.agents[id]; !seen {
		j.agents[id] = m.agents[id]
	}
}

func (j *journal) rollback(m *MemoryStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, prior := range j.xperts {
		if prior == nil {
			delete(m.xperts, id)
		} else {
			m.xperts[id] = prior
		}
	}
	for id, prior := range j.agents {
		if prior == nil {
			delete(m.agents, id)
		} else {
			m.agents[id] = prior
		}
	}
}

// memoryTx is the Store view handed to RunInTx callbacks. Xpert and agent
// writes go through the journal; everything else delegates.
type memoryTx struct {
	*MemoryStore
	j *journal
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{MemoryStore: m, j: newJournal()}
	if err := fn(ctx, tx); err != nil {
		tx.j.rollback(m)
		log.Debug().Err(err).
			Int("xperts", len(tx.j.xperts)).
			Int("agents", len(tx.j.agents)).
			Msg("Transaction rolled back")
		return err
	}
	m.requestSave()
	return nil
}

func (t *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (t *memoryTx) CreateXpert(_ context.Context, x *models.Xpert) error {
	return t.createXpert(x, t.j)
}

func (t *memoryTx) UpdateXpert(_ context.Context, x *models.Xpert) error {
	return t.updateXpert(x, t.j)
}

func (t *memoryTx) DeleteXpert(_ context.Context, id string) error {
	return t.deleteXpert(id, t.j)
}

func (t *memoryTx) CreateAgent(_ context.Context, a *models.XpertAgent) error {
	return t.createAgent(a, t.j)
}

func (t *memoryTx) UpdateAgent(_ context.Context, a *models.XpertAgent) error {
	return t.updateAgent(a, t.j)
}

func (t *memoryTx) DeleteAgent(_ context.Context, id string) error {
	return t.deleteAgent(id, t.j)
}

// ── Xpert Store ─────────────────────────────────────────────

func (m *MemoryStore) ListXperts(_ context.Context, workspace string) ([]models.Xpert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Xpert
	for _, x := range m.xperts {
		if x.Latest && (x.WorkspaceID == workspace || workspace == "") {
			result = append(result, *m.hydrate(x))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) ListXpertVersions(_ context.Context, workspace, name string) ([]models.Xpert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Xpert
	for _, x := range m.xperts {
		if x.WorkspaceID == workspace && x.Name == name {
			result = append(result, *clone(x))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return models.CompareVersions(result[i].Version, result[j].Version) < 0
	})
	return result, nil
}

func (m *MemoryStore) GetXpert(_ context.Context, id string) (*models.Xpert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	x, ok := m.xperts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "xpert", Key: id}
	}
	return m.hydrate(x), nil
}

// hydrate returns a copy of x with its root agent and members attached.
// Callers hold m.mu.
func (m *MemoryStore) hydrate(x *models.Xpert) *models.Xpert {
	out := clone(x)
	out.Agent = nil
	out.Agents = nil
	for _, a := range m.agents {
		switch {
		case a.XpertID == x.ID && out.Agent == nil:
			out.Agent = clone(a)
		case a.TeamID == x.ID:
			out.Agents = append(out.Agents, *clone(a))
		}
	}
	sortAgents(out.Agents)
	return out
}

func sortAgents(agents []models.XpertAgent) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].Key < agents[j].Key
	})
}

func (m *MemoryStore) CreateXpert(_ context.Context, x *models.Xpert) error {
	return m.createXpert(x, nil)
}

func (m *MemoryStore) UpdateXpert(_ context.Context, x *models.Xpert) error {
	return m.updateXpert(x, nil)
}

func (m *MemoryStore) DeleteXpert(_ context.Context, id string) error {
	return m.deleteXpert(id, nil)
}

func (m *MemoryStore) createXpert(x *models.Xpert, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x.ID == "" {
		x.ID = uuid.New().String()
	}
	if _, exists := m.xperts[x.ID]; exists {
		return &ErrDuplicate{Entity: "xpert", Key: x.ID}
	}
	now := time.Now().UTC()
	x.CreatedAt = now
	x.UpdatedAt = now
	if err := m.putXpert(x, j); err != nil {
		return err
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) updateXpert(x *models.Xpert, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.xperts[x.ID]
	if !ok {
		return &ErrNotFound{Entity: "xpert", Key: x.ID}
	}
	x.CreatedAt = existing.CreatedAt
	x.UpdatedAt = time.Now().UTC()
	if err := m.putXpert(x, j); err != nil {
		return err
	}
	m.requestSave()
	return nil
}

// putXpert enforces one row per (workspace, name, version) and at most one
// latest row per (workspace, name). Callers hold m.mu.
func (m *MemoryStore) putXpert(x *models.Xpert, j *journal) error {
	for id, other := range m.xperts {
		if id == x.ID || other.WorkspaceID != x.WorkspaceID || other.Name != x.Name {
			continue
		}
		if other.Version == x.Version {
			return &ErrDuplicate{Entity: "xpert", Key: x.Name + "@" + x.Version}
		}
	}
	if x.Latest {
		for id, other := range m.xperts {
			if id != x.ID && other.Latest && other.WorkspaceID == x.WorkspaceID && other.Name == x.Name {
				j.touchXpert(m, id)
				demoted := clone(other)
				demoted.Latest = false
				m.xperts[id] = demoted
			}
		}
	}
	j.touchXpert(m, x.ID)
	stored := clone(x)
	stored.Agent = nil
	stored.Agents = nil
	m.xperts[x.ID] = stored
	return nil
}

func (m *MemoryStore) deleteXpert(id string, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.xperts[id]; !ok {
		return &ErrNotFound{Entity: "xpert", Key: id}
	}
	j.touchXpert(m, id)
	delete(m.xperts, id)
	for aid, a := range m.agents {
		if a.XpertID == id || a.TeamID == id {
			j.touchAgent(m, aid)
			delete(m.agents, aid)
		}
	}
	m.requestSave()
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.XpertAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return clone(a), nil
}

func (m *MemoryStore) ListTeamAgents(_ context.Context, xpertID string) ([]models.XpertAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.XpertAgent
	for _, a := range m.agents {
		if a.TeamID == xpertID {
			result = append(result, *clone(a))
		}
	}
	sortAgents(result)
	return result, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, a *models.XpertAgent) error {
	return m.createAgent(a, nil)
}

func (m *MemoryStore) UpdateAgent(_ context.Context, a *models.XpertAgent) error {
	return m.updateAgent(a, nil)
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	return m.deleteAgent(id, nil)
}

func (m *MemoryStore) createAgent(a *models.XpertAgent, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := m.agents[a.ID]; exists {
		return &ErrDuplicate{Entity: "agent", Key: a.ID}
	}
	if a.Key == "" {
		a.Key = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	j.touchAgent(m, a.ID)
	m.agents[a.ID] = clone(a)
	m.requestSave()
	return nil
}

func (m *MemoryStore) updateAgent(a *models.XpertAgent, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[a.ID]
	if !ok {
		return &ErrNotFound{Entity: "agent", Key: a.ID}
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	j.touchAgent(m, a.ID)
	m.agents[a.ID] = clone(a)
	m.requestSave()
	return nil
}

func (m *MemoryStore) deleteAgent(id string, j *journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	j.touchAgent(m, id)
	delete(m.agents, id)
	m.requestSave()
	return nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) UpsertExecution(_ context.Context, e *models.XpertAgentExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if existing, ok := m.executions[e.ID]; ok {
		e.CreatedAt = existing.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	stored := clone(e)
	stored.SubExecutions = nil
	stored.Messages = nil
	stored.TotalTokens = 0
	m.executions[e.ID] = stored
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.XpertAgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	return clone(e), nil
}

func (m *MemoryStore) ListSubExecutions(_ context.Context, parentID string) ([]models.XpertAgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.XpertAgentExecution
	for _, e := range m.executions {
		if e.ParentID == parentID && parentID != "" {
			result = append(result, *clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ── Conversation Store ──────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.ChatConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	return clone(c), nil
}

func (m *MemoryStore) UpsertConversation(_ context.Context, c *models.ChatConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ThreadID == "" {
		c.ThreadID = uuid.New().String()
	}
	if existing, ok := m.conversations[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.conversations[c.ID] = clone(c)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListConversations(_ context.Context, xpertID string, limit int) ([]models.ChatConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ChatConversation
	for _, c := range m.conversations {
		if c.XpertID == xpertID {
			result = append(result, *clone(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
