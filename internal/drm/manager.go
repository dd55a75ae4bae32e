package drm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
)

// Session is one slot in the decrypt pool. A session is created once per
// content key and shared by every track that references the key.
type Session struct {
	helper  Helper
	keyID   string
	primary bool
	created time.Time

	mu    sync.Mutex
	state SessionState
	key   []byte
	err   *Error

	// ready is closed when the session reaches a terminal state,
	// releasing every waiter at once.
	ready chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal failure, if any.
func (s *Session) Err() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) resolve(key []byte, err *Error) {
	s.mu.Lock()
	if err != nil {
		s.state = StateError
		s.err = err
	} else if len(key) == 0 {
		s.state = StateEmptySessionID
		s.err = newError(CodeCorruptMetadata, 0, fmt.Errorf("license produced no key"))
	} else {
		s.state = StateReady
		s.key = key
	}
	s.mu.Unlock()
	close(s.ready)
}

// Manager owns the decrypt session pool. Sessions are deduplicated by
// content key ID: concurrent callers for the same key share one license
// request, and a key that already failed short-circuits until Reset.
type Manager struct {
	cfg    config.DRMConfig
	client *LicenseClient
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	slots    []*Session
	failed   map[string]*Error
	closed   bool
	cancelCh chan struct{}
}

// NewManager creates a session manager with the configured pool size.
func NewManager(cfg config.DRMConfig, client *LicenseClient, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	slotCount := cfg.SessionSlots
	if slotCount <= 0 {
		slotCount = 2
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		bus:      bus,
		logger:   logger,
		slots:    make([]*Session, 0, slotCount),
		failed:   make(map[string]*Error),
		cancelCh: make(chan struct{}),
	}
}

// AcquireSession returns a ready session for the key metadata, creating
// one and driving the license exchange if needed. Callers block until the
// session resolves, the bounded wait expires, the context is cancelled, or
// CancelWaits fires. primary pins the session against pool eviction; the
// first key of the active period should be primary.
func (m *Manager) AcquireSession(ctx context.Context, meta *playlist.KeyMetadata, primary bool) (*Session, error) {
	helper, err := HelperForMetadata(meta)
	if err != nil {
		return nil, err
	}
	if err := helper.ParsePSSH(meta.Blob); err != nil {
		return nil, err
	}

	keyID, err := helper.KeyID()
	if err != nil {
		return nil, err
	}
	key := hex.EncodeToString(keyID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrCancelled
	}
	if ferr, ok := m.failed[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyFailed, ferr)
	}
	if sess := m.lookupLocked(key); sess != nil {
		m.mu.Unlock()
		return m.await(ctx, sess)
	}

	sess, err := m.createLocked(helper, key, primary)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cancel := m.cancelCh
	m.mu.Unlock()

	go m.acquireLicense(sess, cancel)

	return m.await(ctx, sess)
}

// await blocks until the session resolves or the wait is bounded out. The
// bound is the helper's key-process budget, so a stuck license server
// cannot hold a fetcher indefinitely.
func (m *Manager) await(ctx context.Context, sess *Session) (*Session, error) {
	timer := time.NewTimer(sess.helper.KeyProcessTimeout())
	defer timer.Stop()

	m.mu.Lock()
	cancel := m.cancelCh
	m.mu.Unlock()

	select {
	case <-sess.ready:
	case <-timer.C:
		sess.mu.Lock()
		if sess.state == StatePending {
			sess.state = StateKeyAcquisitionTimedOut
		}
		sess.mu.Unlock()
		return nil, newError(CodeTimeout, 0,
			fmt.Errorf("key acquisition exceeded %s", sess.helper.KeyProcessTimeout()))
	case <-cancel:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess.mu.Lock()
	state, serr := sess.state, sess.err
	sess.mu.Unlock()
	if state != StateReady {
		m.markFailed(sess.keyID, serr)
		if serr != nil {
			return nil, serr
		}
		return nil, fmt.Errorf("session in state %s", state)
	}
	return sess, nil
}

// lookupLocked finds an existing session for a key ID. Caller holds m.mu.
func (m *Manager) lookupLocked(keyID string) *Session {
	for _, sess := range m.slots {
		if sess.keyID == keyID {
			return sess
		}
	}
	return nil
}

// createLocked allocates a slot, evicting the oldest non-primary session
// when the pool is full. Caller holds m.mu.
func (m *Manager) createLocked(helper Helper, keyID string, primary bool) (*Session, error) {
	slotCount := m.cfg.SessionSlots
	if slotCount <= 0 {
		slotCount = 2
	}

	if len(m.slots) >= slotCount {
		victim := -1
		for i, sess := range m.slots {
			if sess.primary || sess.State() == StatePending {
				continue
			}
			if victim == -1 || sess.created.Before(m.slots[victim].created) {
				victim = i
			}
		}
		if victim == -1 {
			return nil, fmt.Errorf("session pool exhausted: all %d slots pinned", slotCount)
		}
		evicted := m.slots[victim]
		m.slots = append(m.slots[:victim], m.slots[victim+1:]...)
		m.logger.Debug("evicted drm session",
			slog.String("key_id", evicted.keyID),
			slog.String("state", evicted.State().String()))
	}

	sess := &Session{
		helper:  helper,
		keyID:   keyID,
		primary: primary,
		created: time.Now(),
		state:   StatePending,
		ready:   make(chan struct{}),
	}
	m.slots = append(m.slots, sess)
	return sess, nil
}

// acquireLicense drives one license exchange and resolves the session.
func (m *Manager) acquireLicense(sess *Session, cancel <-chan struct{}) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go func() {
		select {
		case <-cancel:
			cancelCtx()
		case <-ctx.Done():
		}
	}()

	keyID, _ := sess.helper.KeyID()
	initData, err := sess.helper.CreateInitData()
	if err != nil {
		var drmErr *Error
		if !errors.As(err, &drmErr) {
			drmErr = newError(CodeCorruptMetadata, 0, err)
		}
		sess.resolve(nil, drmErr)
		return
	}
	key, err := m.client.Acquire(ctx, sess.helper, ChallengeInfo{
		InitData: initData,
		KeyID:    keyID,
	})
	if err != nil {
		var drmErr *Error
		if !errors.As(err, &drmErr) {
			drmErr = newError(CodeNetwork, 0, err)
		}
		m.logger.Error("license acquisition failed",
			slog.String("system", sess.helper.Name()),
			slog.String("key_id", sess.keyID),
			slog.String("code", drmErr.Code.String()))
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:          events.EventTuneFailed,
				FailureReason: events.FailureDRM,
				HTTPCode:      drmErr.HTTPCode,
				DRMSubCode:    int(drmErr.Code),
				Err:           drmErr,
			})
		}
		sess.resolve(nil, drmErr)
		return
	}
	sess.resolve(key, nil)
}

// markFailed records a terminal key failure for short-circuiting.
func (m *Manager) markFailed(keyID string, err *Error) {
	if err == nil || err.Code.Retryable() {
		return
	}
	m.mu.Lock()
	m.failed[keyID] = err
	m.mu.Unlock()
}

// Decrypt resolves the session for the fragment's key and decrypts the
// payload in place. AES-128 fragments are whole-segment CBC; when the
// playlist carries no IV the media sequence number forms the IV per the
// HLS spec. Other methods require platform sample decryption and are
// rejected here.
func (m *Manager) Decrypt(ctx context.Context, meta *playlist.KeyMetadata, sequence uint64, data []byte) ([]byte, error) {
	sess, err := m.AcquireSession(ctx, meta, false)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(meta.Method, "AES-128") {
		return nil, newError(CodeCorruptMetadata, 0,
			fmt.Errorf("no software decrypt path for method %q", meta.Method))
	}

	iv := meta.IV
	if len(iv) == 0 {
		iv = make([]byte, aes.BlockSize)
		binary.BigEndian.PutUint64(iv[8:], sequence)
	}
	if len(iv) != aes.BlockSize {
		return nil, newError(CodeCorruptMetadata, 0,
			fmt.Errorf("iv length %d", len(iv)))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, newError(CodeCorruptMetadata, 0,
			fmt.Errorf("fragment length %d not block aligned", len(data)))
	}

	sess.mu.Lock()
	block, err := aes.NewCipher(sess.key)
	sess.mu.Unlock()
	if err != nil {
		return nil, newError(CodeCorruptMetadata, 0, err)
	}

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)

	// Strip PKCS#7 padding.
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, newError(CodeCorruptMetadata, 0,
			fmt.Errorf("bad padding byte %d", pad))
	}
	return data[:len(data)-pad], nil
}

// CancelWaits releases every blocked waiter with ErrCancelled and lets new
// waits proceed afterwards. Used by teardown and profile flushes so a
// pending license cannot stall the stop path.
func (m *Manager) CancelWaits() {
	m.mu.Lock()
	close(m.cancelCh)
	m.cancelCh = make(chan struct{})
	m.mu.Unlock()
}

// Reset clears the failed-key table and drops all sessions. Called on
// retune so a transient failure is not sticky across sessions.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.failed = make(map[string]*Error)
	m.slots = m.slots[:0]
	m.mu.Unlock()
}

// Close tears the pool down. All waiters are released and subsequent
// acquisitions fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.cancelCh)
	m.cancelCh = make(chan struct{})
	m.slots = nil
	m.mu.Unlock()
}

// SessionCount reports occupied pool slots, for diagnostics.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
