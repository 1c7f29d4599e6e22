package cascade

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// BudgetWindow names a calendar-aligned accounting interval.
type BudgetWindow string

const (
	WindowDay      BudgetWindow = "day"
	WindowWeek     BudgetWindow = "week"
	WindowMonth    BudgetWindow = "month"
	WindowLifetime BudgetWindow = "lifetime"
)

// Default warn/block fractions of a window's cap.
const (
	DefaultWarnFraction  = 0.8
	DefaultBlockFraction = 1.0
)

// WindowSnapshot is the serializable state of one user window, used by
// Snapshot/Restore.
type WindowSnapshot struct {
	Consumed    float64   `json:"consumed"`
	Cap         float64   `json:"cap"`
	Warn        float64   `json:"warn"`
	Block       float64   `json:"block"`
	WindowStart time.Time `json:"window_start"`
}

// BudgetSnapshot is the full ledger state: user id -> window -> state.
type BudgetSnapshot map[string]map[BudgetWindow]WindowSnapshot

// BudgetDecision is the outcome of a pre-check.
type BudgetDecision struct {
	Allowed   bool         `json:"allowed"`
	Warned    bool         `json:"warned"`
	Window    BudgetWindow `json:"window,omitempty"` // window that denied or warned
	Consumed  float64      `json:"consumed"`
	Projected float64      `json:"projected"`
	Cap       float64      `json:"cap"`
}

// windowState is one window's mutable counters.
type windowState struct {
	consumed    float64
	cap         float64
	warn        float64
	block       float64
	windowStart time.Time
}

// userBudget holds all windows for one user behind a per-user lock. Global
// locks on the check/record path are forbidden.
type userBudget struct {
	mu      sync.Mutex
	windows map[BudgetWindow]*windowState
}

// BudgetLedger tracks per-user spend across calendar windows. Resets happen
// two ways: a cron schedule fires at UTC day/week/month boundaries, and every
// check/record lazily rolls stale windows forward, so correctness does not
// depend on the cron goroutine being alive.
type BudgetLedger struct {
	mu    sync.RWMutex
	users map[string]*userBudget

	cron *cron.Cron
	now  func() time.Time
}

// NewBudgetLedger creates a ledger with UTC calendar resets scheduled.
func NewBudgetLedger() *BudgetLedger {
	bl := &BudgetLedger{
		users: make(map[string]*userBudget),
		now:   func() time.Time { return time.Now().UTC() },
	}
	bl.cron = cron.New(cron.WithLocation(time.UTC))
	bl.cron.AddFunc("0 0 * * *", func() { bl.resetWindow(WindowDay) })
	bl.cron.AddFunc("0 0 * * 1", func() { bl.resetWindow(WindowWeek) })
	bl.cron.AddFunc("0 0 1 * *", func() { bl.resetWindow(WindowMonth) })
	bl.cron.Start()
	return bl
}

// Close stops the reset scheduler.
func (bl *BudgetLedger) Close() {
	if bl.cron != nil {
		bl.cron.Stop()
	}
}

// SetBudget registers a cap for one of a user's windows with default
// warn/block fractions.
func (bl *BudgetLedger) SetBudget(userID string, window BudgetWindow, cap float64) {
	bl.SetBudgetWithThresholds(userID, window, cap, DefaultWarnFraction, DefaultBlockFraction)
}

// SetBudgetWithThresholds registers a cap with explicit warn/block fractions.
func (bl *BudgetLedger) SetBudgetWithThresholds(userID string, window BudgetWindow, cap, warn, block float64) {
	ub := bl.user(userID)
	ub.mu.Lock()
	defer ub.mu.Unlock()
	ub.windows[window] = &windowState{
		cap:         cap,
		warn:        warn,
		block:       block,
		windowStart: startOfWindow(window, bl.now()),
	}
}

// HasBudget reports whether any window is registered for the user. The gate
// is inert for users without budgets.
func (bl *BudgetLedger) HasBudget(userID string) bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	ub, ok := bl.users[userID]
	if !ok {
		return false
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	return len(ub.windows) > 0
}

func (bl *BudgetLedger) user(userID string) *userBudget {
	bl.mu.RLock()
	ub, ok := bl.users[userID]
	bl.mu.RUnlock()
	if ok {
		return ub
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if ub, ok = bl.users[userID]; ok {
		return ub
	}
	ub = &userBudget{windows: make(map[BudgetWindow]*windowState)}
	bl.users[userID] = ub
	return ub
}

// Check pre-checks a projected cost against every registered window for the
// user. Denial: consumed + projected reaches the block fraction of any cap.
// Warning: it reaches the warn fraction without being denied. Users with no
// budget always pass.
func (bl *BudgetLedger) Check(userID string, projected float64) BudgetDecision {
	bl.mu.RLock()
	ub, ok := bl.users[userID]
	bl.mu.RUnlock()
	if !ok {
		return BudgetDecision{Allowed: true, Projected: projected}
	}

	ub.mu.Lock()
	defer ub.mu.Unlock()
	bl.rolloverLocked(ub)

	decision := BudgetDecision{Allowed: true, Projected: projected}
	for window, ws := range ub.windows {
		total := ws.consumed + projected
		if total >= ws.block*ws.cap {
			return BudgetDecision{
				Allowed:   false,
				Window:    window,
				Consumed:  ws.consumed,
				Projected: projected,
				Cap:       ws.cap,
			}
		}
		if total >= ws.warn*ws.cap && !decision.Warned {
			decision.Warned = true
			decision.Window = window
			decision.Consumed = ws.consumed
			decision.Cap = ws.cap
		}
	}
	return decision
}

// Record adds the actual cost of a completed (or cancelled mid-flight) query
// to every registered window. Partial costs are recorded too.
func (bl *BudgetLedger) Record(userID string, actual float64) {
	if actual <= 0 {
		return
	}
	bl.mu.RLock()
	ub, ok := bl.users[userID]
	bl.mu.RUnlock()
	if !ok {
		return
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	bl.rolloverLocked(ub)
	for _, ws := range ub.windows {
		ws.consumed += actual
	}
}

// Consumed returns the user's consumed figure for one window.
func (bl *BudgetLedger) Consumed(userID string, window BudgetWindow) float64 {
	bl.mu.RLock()
	ub, ok := bl.users[userID]
	bl.mu.RUnlock()
	if !ok {
		return 0
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	bl.rolloverLocked(ub)
	if ws, ok := ub.windows[window]; ok {
		return ws.consumed
	}
	return 0
}

// rolloverLocked resets any window whose calendar boundary has passed.
// Caller holds ub.mu.
func (bl *BudgetLedger) rolloverLocked(ub *userBudget) {
	now := bl.now()
	for window, ws := range ub.windows {
		if window == WindowLifetime {
			continue
		}
		start := startOfWindow(window, now)
		if ws.windowStart.Before(start) {
			ws.consumed = 0
			ws.windowStart = start
		}
	}
}

// resetWindow zeroes one window kind for every user. Called by cron at the
// UTC boundary.
func (bl *BudgetLedger) resetWindow(window BudgetWindow) {
	bl.mu.RLock()
	users := make([]*userBudget, 0, len(bl.users))
	for _, ub := range bl.users {
		users = append(users, ub)
	}
	bl.mu.RUnlock()

	start := startOfWindow(window, bl.now())
	for _, ub := range users {
		ub.mu.Lock()
		if ws, ok := ub.windows[window]; ok {
			ws.consumed = 0
			ws.windowStart = start
		}
		ub.mu.Unlock()
	}
	log.Printf("[BudgetLedger] Reset %s windows", window)
}

// Snapshot serializes the full ledger state. The result round-trips through
// Restore.
func (bl *BudgetLedger) Snapshot() BudgetSnapshot {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	snap := make(BudgetSnapshot, len(bl.users))
	for userID, ub := range bl.users {
		ub.mu.Lock()
		windows := make(map[BudgetWindow]WindowSnapshot, len(ub.windows))
		for window, ws := range ub.windows {
			windows[window] = WindowSnapshot{
				Consumed:    ws.consumed,
				Cap:         ws.cap,
				Warn:        ws.warn,
				Block:       ws.block,
				WindowStart: ws.windowStart,
			}
		}
		ub.mu.Unlock()
		if len(windows) > 0 {
			snap[userID] = windows
		}
	}
	return snap
}

// Restore replaces the ledger state with a previously taken snapshot. Stale
// windows roll forward on the next check.
func (bl *BudgetLedger) Restore(snap BudgetSnapshot) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.users = make(map[string]*userBudget, len(snap))
	for userID, windows := range snap {
		ub := &userBudget{windows: make(map[BudgetWindow]*windowState, len(windows))}
		for window, ws := range windows {
			ub.windows[window] = &windowState{
				consumed:    ws.Consumed,
				cap:         ws.Cap,
				warn:        ws.Warn,
				block:       ws.Block,
				windowStart: ws.WindowStart,
			}
		}
		bl.users[userID] = ub
	}
}

// startOfWindow returns the UTC calendar boundary containing now. Weeks
// start Monday.
func startOfWindow(window BudgetWindow, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeek:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}
