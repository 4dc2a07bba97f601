package mockbridge

import (
	"fmt"
	"sync"
	"time"
)

// Launch is one colab browser-automation launch tracked by the mock bridge.
type Launch struct {
	WorkerID    int64
	AccountID   string
	Email       string
	Correlation string
	StartedAt   time.Time

	// polls counts status reads; the launch reports ready once polls
	// reaches the configured threshold.
	polls int
}

// Kernel is one kaggle worker kernel tracked by the mock provider.
type Kernel struct {
	Username  string
	Ref       string
	StartedAt time.Time

	polls int
}

// State holds the mock's in-memory provider state. Test control endpoints
// mutate the failure knobs at runtime.
type State struct {
	mu sync.Mutex

	launches map[int64]*Launch
	kernels  map[string]*Kernel
	nextRef  int

	// Behavior knobs
	pollsUntilReady int
	failLaunch      bool
	failLaunchMsg   string
	failPush        bool
	failPushMsg     string

	sessionRemainingSeconds int
	weeklyRemainingSeconds  int
}

// NewState creates mock state with defaults: launches become ready on the
// first status poll and quota scrapes report generous headroom.
func NewState() *State {
	return &State{
		launches:                make(map[int64]*Launch),
		kernels:                 make(map[string]*Kernel),
		pollsUntilReady:         1,
		sessionRemainingSeconds: 30240,
		weeklyRemainingSeconds:  75600,
	}
}

// Reset clears all launches and kernels and restores default knobs.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches = make(map[int64]*Launch)
	s.kernels = make(map[string]*Kernel)
	s.pollsUntilReady = 1
	s.failLaunch = false
	s.failPush = false
	s.sessionRemainingSeconds = 30240
	s.weeklyRemainingSeconds = 75600
}

// SetPollsUntilReady controls how many status polls a launch needs before it
// reports ready.
func (s *State) SetPollsUntilReady(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollsUntilReady = n
}

// SetFailLaunch makes colab launches fail with the given message.
func (s *State) SetFailLaunch(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLaunch = fail
	s.failLaunchMsg = msg
}

// SetFailPush makes kaggle kernel pushes fail with the given message.
func (s *State) SetFailPush(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPush = fail
	s.failPushMsg = msg
}

// SetQuota overrides the values returned by quota scrapes.
func (s *State) SetQuota(sessionRemaining, weeklyRemaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionRemainingSeconds = sessionRemaining
	s.weeklyRemainingSeconds = weeklyRemaining
}

// CreateLaunch records a colab launch. Returns false when the launch knob is
// set to fail.
func (s *State) CreateLaunch(workerID int64, accountID, email, correlation string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLaunch {
		return false, s.failLaunchMsg
	}
	s.launches[workerID] = &Launch{
		WorkerID:    workerID,
		AccountID:   accountID,
		Email:       email,
		Correlation: correlation,
		StartedAt:   time.Now(),
	}
	return true, ""
}

// PollLaunch advances the launch toward ready and reports its state.
func (s *State) PollLaunch(workerID int64) (state, tunnelURL string, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	launch, ok := s.launches[workerID]
	if !ok {
		return "", "", false
	}
	launch.polls++
	if launch.polls >= s.pollsUntilReady {
		return "ready", s.tunnelFor(workerID), true
	}
	return "launching", "", true
}

// DeleteLaunch removes a launch, reporting whether it existed.
func (s *State) DeleteLaunch(workerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.launches[workerID]
	delete(s.launches, workerID)
	return ok
}

// LaunchCount returns the number of live colab launches.
func (s *State) LaunchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launches)
}

// PushKernel records a kernel push for the account. Returns the assigned ref
// or a failure message.
func (s *State) PushKernel(username string) (ref, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPush {
		return "", s.failPushMsg
	}
	s.nextRef++
	ref = fmt.Sprintf("%s/notebook-fleet-worker/%d", username, s.nextRef)
	s.kernels[username] = &Kernel{
		Username:  username,
		Ref:       ref,
		StartedAt: time.Now(),
	}
	return ref, ""
}

// PollKernel advances the kernel toward running-with-tunnel.
func (s *State) PollKernel(username string) (status, tunnelURL string, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kernel, ok := s.kernels[username]
	if !ok {
		return "", "", false
	}
	kernel.polls++
	if kernel.polls >= s.pollsUntilReady {
		return "running", s.tunnelForAccount(username), true
	}
	return "queued", "", true
}

// CancelKernel removes the account's kernel, reporting whether it existed.
func (s *State) CancelKernel(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.kernels[username]
	delete(s.kernels, username)
	return ok
}

// KernelCount returns the number of live kernels.
func (s *State) KernelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kernels)
}

// Quota returns the configured scrape values.
func (s *State) Quota() (sessionRemaining, weeklyRemaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionRemainingSeconds, s.weeklyRemainingSeconds
}

func (s *State) tunnelFor(workerID int64) string {
	return fmt.Sprintf("https://mockbridge.local/tunnel/worker-%d", workerID)
}

func (s *State) tunnelForAccount(username string) string {
	return fmt.Sprintf("https://mockbridge.local/tunnel/%s", username)
}
