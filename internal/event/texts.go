package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultTexts = "default"
	PlainTexts   = "plain"
)

var (
	ErrUnknownStatus  = errors.New("unknown status name")
	ErrUnknownTextSet = errors.New("unknown text set")
)

type TextSet map[Name]string

var defaultTextSet = TextSet{
	NetworkConnecting: "📡 Establishing connection...",
	NetworkConnected:  "✅ Connected to network.",
	Error:             "❌ An error has occurred.",
	PeerConnecting:    "💻 Connecting to peer...",
	RequestingData:    "❔ Requesting data...",
	EncryptingData:    "🔐 Encrypting data...",
	SendingData:       "📡 Sending data...",
	DecryptingData:    "🔐 Decrypting data...",
	TransferCompleted: "✅ Transfer completed.",
	ReceivingData:     "📨 Receiving data...",
	DataNotAvailable:  "❌ Data not available.",
}

var plainTextSet = TextSet{
	NetworkConnecting: "Establishing connection",
	NetworkConnected:  "Connected to network",
	Error:             "An error has occurred",
	PeerConnecting:    "Connecting to peer",
	RequestingData:    "Requesting data",
	EncryptingData:    "Encrypting data",
	SendingData:       "Sending data",
	DecryptingData:    "Decrypting data",
	TransferCompleted: "Transfer completed",
	ReceivingData:     "Receiving data",
	DataNotAvailable:  "Data not available",
}

// Texts holds named status text sets and which one is active. Missing
// entries fall back to the default set.
type Texts struct {
	mu     sync.RWMutex
	sets   map[string]TextSet
	active string
}

func NewTexts() *Texts {
	return &Texts{
		sets: map[string]TextSet{
			DefaultTexts: cloneSet(defaultTextSet),
			PlainTexts:   cloneSet(plainTextSet),
		},
		active: DefaultTexts,
	}
}

// Install adds or replaces the named set.
func (t *Texts) Install(name string, set TextSet) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownTextSet)
	}
	for n := range set {
		if !n.IsStatus() {
			return fmt.Errorf("%w: %q", ErrUnknownStatus, n)
		}
	}

	t.mu.Lock()
	t.sets[name] = cloneSet(set)
	t.mu.Unlock()
	return nil
}

func (t *Texts) Use(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sets[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTextSet, name)
	}
	t.active = name
	return nil
}

func (t *Texts) Active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Sets returns the installed set names, sorted.
func (t *Texts) Sets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.sets))
	for name := range t.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Texts) Text(n Name) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.sets[t.active][n]; ok {
		return s
	}
	if s, ok := t.sets[DefaultTexts][n]; ok {
		return s
	}
	return string(n)
}

func cloneSet(set TextSet) TextSet {
	out := make(TextSet, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}
