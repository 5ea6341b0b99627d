package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalogscan/internal/orchestrator"
	"catalogscan/internal/platform"
	"catalogscan/internal/scanner"
	"catalogscan/internal/sessionstate"
	"catalogscan/pkg/types"
)

var (
	// ErrSessionRunning is returned when a scan for the domain is already in flight.
	ErrSessionRunning = errors.New("session already running")
	// ErrMaxConcurrency signals that the global concurrency limit has been reached.
	ErrMaxConcurrency = errors.New("maximum concurrent sessions reached")
	// ErrSessionNotFound is returned for unknown domains.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotRunning is returned when cancelling an idle session.
	ErrSessionNotRunning = errors.New("session not running")
)

// snapshotEvery bounds how often progress is mirrored to the state store.
const snapshotEvery = 25

// SessionManager runs scan sessions in the background, one per domain.
type SessionManager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	service        *orchestrator.Service
	maxConcurrency int
	running        int
	rootCtx        context.Context
	logger         *slog.Logger
	stateStore     sessionstate.Store
}

// NewSessionManager constructs a manager. stateStore may be nil.
func NewSessionManager(service *orchestrator.Service, maxConcurrency int, rootCtx context.Context, logger *slog.Logger, stateStore sessionstate.Store) *SessionManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:       make(map[string]*Session),
		service:        service,
		maxConcurrency: maxConcurrency,
		rootCtx:        rootCtx,
		logger:         logger,
		stateStore:     stateStore,
	}
}

// StartSession validates the request and launches a scan in the background.
// Resolution failures are returned synchronously.
func (m *SessionManager) StartSession(req CreateScanRequest) (*Session, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	mode, err := orchestrator.ParseMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err != nil {
		return nil, err
	}
	res, err := platform.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	if _, err := platform.ExtractID(rawURL); err != nil {
		return nil, err
	}
	sessionID := res.Domain

	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		session = newSession(sessionID, m)
		m.sessions[sessionID] = session
	}
	if session.isActive() {
		m.mu.Unlock()
		return nil, ErrSessionRunning
	}
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	session.markRunning()
	m.running++
	m.mu.Unlock()

	session.startRun(m.rootCtx, rawURL, mode, res.Template, uuid.NewString())
	return session, nil
}

// ListSessions returns summaries for live sessions plus sessions only known
// from the state store, ordered by domain.
func (m *SessionManager) ListSessions(ctx context.Context) []SessionSummary {
	m.mu.RLock()
	summaries := make([]SessionSummary, 0, len(m.sessions))
	live := make(map[string]struct{}, len(m.sessions))
	for id, session := range m.sessions {
		summaries = append(summaries, session.Snapshot())
		live[id] = struct{}{}
	}
	m.mu.RUnlock()

	if m.stateStore != nil {
		snaps, err := m.stateStore.List(ctx)
		if err != nil {
			m.logger.Warn("list session snapshots failed", "error", err)
		}
		for _, snap := range snaps {
			if _, ok := live[snap.SessionID]; ok {
				continue
			}
			summaries = append(summaries, summaryFromSnapshot(snap))
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SessionID < summaries[j].SessionID })
	return summaries
}

// GetSession returns the live session for a domain.
func (m *SessionManager) GetSession(id string) (*Session, bool) {
	id = platform.DomainKey(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// GetSessionDetail returns the live summary and last report for a domain,
// falling back to the persisted snapshot.
func (m *SessionManager) GetSessionDetail(ctx context.Context, id string) (SessionDetail, bool) {
	if session, ok := m.GetSession(id); ok {
		return SessionDetail{Session: session.Snapshot(), Report: session.LastReport()}, true
	}
	if m.stateStore == nil {
		return SessionDetail{}, false
	}
	snap, ok, err := m.stateStore.Get(ctx, platform.DomainKey(id))
	if err != nil {
		m.logger.Warn("load session snapshot failed", "session_id", id, "error", err)
		return SessionDetail{}, false
	}
	if !ok {
		return SessionDetail{}, false
	}
	return SessionDetail{Session: summaryFromSnapshot(snap)}, true
}

// CancelSession requests cancellation of the running scan for a domain.
func (m *SessionManager) CancelSession(id string) error {
	session, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !session.Cancel("cancel requested via API") {
		return fmt.Errorf("%w: %s", ErrSessionNotRunning, id)
	}
	return nil
}

// Products returns the discovery store contents for a domain.
func (m *SessionManager) Products(ctx context.Context, domain string) (ProductList, error) {
	domain = platform.DomainKey(domain)
	products, err := m.service.Products(ctx, domain)
	if err != nil {
		return ProductList{}, err
	}
	if products == nil {
		products = []types.Product{}
	}
	return ProductList{Domain: domain, Total: len(products), Products: products}, nil
}

// Shutdown stops all active sessions.
func (m *SessionManager) Shutdown() {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, session := range snapshot {
		session.Cancel("manager shutdown")
	}
}

func (m *SessionManager) notifyCompletion() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

func (m *SessionManager) persist(summary SessionSummary) {
	if m.stateStore == nil {
		return
	}
	ctx := context.WithoutCancel(m.rootCtx)
	if err := m.stateStore.Save(ctx, snapshotFromSummary(summary)); err != nil {
		m.logger.Warn("persist session snapshot failed", "session_id", summary.SessionID, "error", err)
	}
}

// Session tracks the lifecycle of scans for one domain.
type Session struct {
	id string

	mu          sync.Mutex
	inputURL    string
	mode        orchestrator.Mode
	template    string
	status      SessionStatus
	runID       string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	pass        int
	lastID      int64
	attempts    int
	found       int
	lastURL     string
	lastName    string
	message     string
	lastError   string
	report      *orchestrator.Report
	events      int

	cancel context.CancelFunc

	subscribers map[chan SSEEvent]struct{}
	subMu       sync.RWMutex

	manager *SessionManager
}

func newSession(id string, manager *SessionManager) *Session {
	return &Session{
		id:          id,
		status:      SessionStatusPending,
		createdAt:   time.Now(),
		subscribers: make(map[chan SSEEvent]struct{}),
		manager:     manager,
	}
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == SessionStatusRunning || s.status == SessionStatusCancelling
}

func (s *Session) markRunning() {
	s.mu.Lock()
	s.status = SessionStatusRunning
	s.mu.Unlock()
}

func (s *Session) startRun(parentCtx context.Context, rawURL string, mode orchestrator.Mode, tmpl platform.Template, runID string) {
	runCtx, cancel := context.WithCancel(parentCtx)
	started := time.Now()

	s.mu.Lock()
	s.inputURL = rawURL
	s.mode = mode
	s.template = tmpl.String()
	s.runID = runID
	s.status = SessionStatusRunning
	s.startedAt = &started
	s.completedAt = nil
	s.pass = 0
	s.lastID = 0
	s.attempts = 0
	s.found = 0
	s.lastURL = ""
	s.lastName = ""
	s.message = "running"
	s.lastError = ""
	s.report = nil
	s.events = 0
	s.cancel = cancel
	s.mu.Unlock()

	s.manager.logger.Info("scan session started", "session_id", s.id, "run_id", runID, "mode", string(mode))
	s.manager.persist(s.Snapshot())
	s.broadcast("session_started", nil)

	go func() {
		report, err := s.manager.service.Run(runCtx, rawURL, mode,
			scanner.WithSessionID(s.id), scanner.WithProgressSink(s))
		s.handleCompletion(report, err)
	}()
}

// Report satisfies scanner.ProgressSink.
func (s *Session) Report(evt scanner.ProgressEvent) {
	s.mu.Lock()
	passChanged := evt.Pass != s.pass
	s.pass = evt.Pass
	s.lastID = evt.ID
	s.attempts++
	s.found = evt.Found
	if evt.URL != "" {
		s.lastURL = evt.URL
	}
	if evt.New {
		s.lastName = evt.Name
	}
	s.events++
	mirror := passChanged || s.events%snapshotEvery == 0
	s.mu.Unlock()

	if mirror {
		s.manager.persist(s.Snapshot())
	}
	copyEvt := evt
	s.broadcast("progress", &copyEvt)
}

func (s *Session) handleCompletion(report *orchestrator.Report, err error) {
	now := time.Now()
	status := SessionStatusCompleted
	message := "completed"
	errorText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = SessionStatusCancelled
		message = "cancelled"
	case err != nil:
		status = SessionStatusFailed
		message = "failed"
		errorText = err.Error()
	}

	s.mu.Lock()
	s.completedAt = &now
	s.message = message
	s.lastError = errorText
	s.report = report
	if report != nil {
		s.found = len(report.New)
	}
	cancel := s.cancel
	s.cancel = nil
	final := s.snapshotLocked()
	s.mu.Unlock()
	final.Status = status
	if cancel != nil {
		cancel()
	}

	s.manager.logger.Info("scan session finished", "session_id", s.id, "status", string(status), "error", err)
	// Status flips last: a terminal status implies the snapshot is stored and
	// the concurrency slot is free.
	s.manager.persist(final)
	s.manager.notifyCompletion()
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	eventType := "session_completed"
	switch status {
	case SessionStatusCancelled:
		eventType = "session_cancelled"
	case SessionStatusFailed:
		eventType = "session_failed"
	}
	s.broadcast(eventType, nil)
}

// Cancel attempts to stop the running scan.
func (s *Session) Cancel(reason string) bool {
	s.mu.Lock()
	if s.status != SessionStatusRunning || s.cancel == nil {
		s.mu.Unlock()
		return false
	}
	s.status = SessionStatusCancelling
	s.message = reason
	cancel := s.cancel
	s.mu.Unlock()
	s.broadcast("session_cancelling", nil)
	cancel()
	return true
}

// LastReport returns the report of the last finished run, if any.
func (s *Session) LastReport() *orchestrator.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Snapshot returns a copy of the public session state.
func (s *Session) Snapshot() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionSummary {
	summary := SessionSummary{
		SessionID: s.id,
		RunID:     s.runID,
		InputURL:  s.inputURL,
		Mode:      string(s.mode),
		Template:  s.template,
		Status:    s.status,
		Pass:      s.pass,
		LastID:    s.lastID,
		Attempts:  s.attempts,
		Found:     s.found,
		LastURL:   s.lastURL,
		LastName:  s.lastName,
		CreatedAt: s.createdAt,
		Message:   s.message,
		Error:     s.lastError,
	}
	if s.startedAt != nil {
		started := *s.startedAt
		summary.StartedAt = &started
	}
	if s.completedAt != nil {
		completed := *s.completedAt
		summary.CompletedAt = &completed
	}
	return summary
}

// Subscribe registers an SSE subscriber for the session.
func (s *Session) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)

	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	initial := SSEEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Session:   s.Snapshot(),
	}
	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) broadcast(eventType string, progress *scanner.ProgressEvent) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Session:   s.Snapshot(),
		Progress:  progress,
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}

func snapshotFromSummary(summary SessionSummary) sessionstate.Snapshot {
	snap := sessionstate.Snapshot{
		SessionID: summary.SessionID,
		RunID:     summary.RunID,
		Domain:    summary.SessionID,
		InputURL:  summary.InputURL,
		Mode:      summary.Mode,
		Template:  summary.Template,
		Status:    string(summary.Status),
		Pass:      summary.Pass,
		LastID:    summary.LastID,
		Attempts:  summary.Attempts,
		Found:     summary.Found,
		Message:   summary.Message,
		CreatedAt: summary.CreatedAt,
	}
	if summary.Error != "" {
		snap.Message = summary.Error
	}
	if summary.StartedAt != nil {
		snap.StartedAt = *summary.StartedAt
	}
	if summary.CompletedAt != nil {
		snap.FinishedAt = *summary.CompletedAt
	}
	return snap
}

func summaryFromSnapshot(snap sessionstate.Snapshot) SessionSummary {
	summary := SessionSummary{
		SessionID: snap.SessionID,
		RunID:     snap.RunID,
		InputURL:  snap.InputURL,
		Mode:      snap.Mode,
		Template:  snap.Template,
		Status:    SessionStatus(snap.Status),
		Pass:      snap.Pass,
		LastID:    snap.LastID,
		Attempts:  snap.Attempts,
		Found:     snap.Found,
		CreatedAt: snap.CreatedAt,
		Message:   snap.Message,
	}
	if !snap.StartedAt.IsZero() {
		started := snap.StartedAt
		summary.StartedAt = &started
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		summary.CompletedAt = &finished
	}
	// A snapshot left running by a previous process is no longer running.
	if summary.Status == SessionStatusRunning || summary.Status == SessionStatusCancelling {
		summary.Status = SessionStatusFailed
		summary.Message = "interrupted"
	}
	return summary
}
