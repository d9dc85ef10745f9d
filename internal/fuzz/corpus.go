// Package fuzz implements coverage-guided fuzz campaigns against
// protocol targets and firmware harnesses. A campaign mutates corpus
// entries, dispatches them through the engine pipeline, and admits
// results back into the corpus when they light up new coverage or crash
// in a new way.
package fuzz

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"bytemomo/charybdis/internal/domain"
)

// Entry is one admitted corpus input with the evidence that earned its
// place: the coverage tier it opened or the crash it reproduces.
type Entry struct {
	ID       string    `json:"id"`
	Payload  []byte    `json:"payload"`
	Checksum string    `json:"checksum"`
	CoverKey uint64    `json:"cover_key"`
	Shape    string    `json:"shape"`
	Fitness  float64   `json:"fitness"`
	Source   string    `json:"source"`
	CrashKey string    `json:"crash_key,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

// Corpus is the campaign's working set. All writes funnel through one
// mutex so admission decisions are serial even when executions are not.
type Corpus struct {
	mu      sync.Mutex
	entries []*Entry
	byDedup map[string]int
	covers  map[uint64]bool
	crashes map[string]bool
	sum     float64
	dir     string
}

// NewCorpus returns an empty corpus. A non-empty dir enables best-effort
// persistence of every admitted entry.
func NewCorpus(dir string) (*Corpus, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("corpus dir: %w", err)
		}
	}
	return &Corpus{
		byDedup: make(map[string]int),
		covers:  make(map[uint64]bool),
		crashes: make(map[string]bool),
		dir:     dir,
	}, nil
}

// CoverageKey collapses a coverage edge set into one comparable value.
// Order does not matter; the same edges always produce the same key.
func CoverageKey(edges []uint32) uint64 {
	if len(edges) == 0 {
		return 0
	}
	sorted := append([]uint32(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf := make([]byte, 4*len(sorted))
	for i, e := range sorted {
		binary.LittleEndian.PutUint32(buf[4*i:], e)
	}
	return murmur3.Sum64(buf)
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// fitnessOf scores an input: broader coverage feeds back into pick
// probability, crashes get a flat bonus.
func fitnessOf(tel domain.Telemetry) float64 {
	f := 1 + float64(len(tel.Coverage))/64
	if tel.Faulted() {
		f += 2
	}
	return f
}

// Seed admits an input unconditionally, before any telemetry exists.
// Duplicate shapes still collapse.
func (c *Corpus) Seed(payload []byte, source string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitLocked(payload, 0, "", 1, source)
}

// Admit applies the admission rules to an executed input: it enters the
// corpus only when its coverage key is unseen or its crash signature is
// new. The evidence sets update either way, so re-admitting the same
// telemetry is a no-op and cannot inflate the corpus.
func (c *Corpus) Admit(payload []byte, tel domain.Telemetry) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	coverKey := CoverageKey(tel.Coverage)
	crashKey := ""
	if tel.Faulted() {
		crashKey = domain.NewCrashSignature(tel.Fault, payload).Key()
	}
	newCover := coverKey != 0 && !c.covers[coverKey]
	newCrash := crashKey != "" && !c.crashes[crashKey]
	if coverKey != 0 {
		c.covers[coverKey] = true
	}
	if crashKey != "" {
		c.crashes[crashKey] = true
	}
	if !newCover && !newCrash {
		// Known territory. The only remaining question is whether this
		// input beats the incumbent of its dedup slot.
		c.replaceLocked(payload, coverKey, fitnessOf(tel))
		return nil, false
	}
	entry := c.admitLocked(payload, coverKey, crashKey, fitnessOf(tel), "execution")
	return entry, entry != nil
}

func (c *Corpus) admitLocked(payload []byte, coverKey uint64, crashKey string, fitness float64, source string) *Entry {
	shape := domain.InputShape(payload)
	dedup := fmt.Sprintf("%x#%s", coverKey, shape)
	if _, ok := c.byDedup[dedup]; ok {
		c.replaceLocked(payload, coverKey, fitness)
		return nil
	}
	entry := &Entry{
		ID:       uuid.NewString(),
		Payload:  append([]byte(nil), payload...),
		Checksum: payloadChecksum(payload),
		CoverKey: coverKey,
		Shape:    shape,
		Fitness:  fitness,
		Source:   source,
		CrashKey: crashKey,
		AddedAt:  time.Now().UTC(),
	}
	c.byDedup[dedup] = len(c.entries)
	c.entries = append(c.entries, entry)
	c.sum += fitness
	c.persist(entry)
	return entry
}

// replaceLocked lets a fitter duplicate take over its dedup slot.
func (c *Corpus) replaceLocked(payload []byte, coverKey uint64, fitness float64) {
	dedup := fmt.Sprintf("%x#%s", coverKey, domain.InputShape(payload))
	idx, ok := c.byDedup[dedup]
	if !ok {
		return
	}
	incumbent := c.entries[idx]
	if fitness <= incumbent.Fitness {
		return
	}
	c.sum += fitness - incumbent.Fitness
	incumbent.Payload = append([]byte(nil), payload...)
	incumbent.Checksum = payloadChecksum(payload)
	incumbent.Fitness = fitness
	c.persist(incumbent)
}

// Pick draws an entry with probability proportional to fitness. A
// checksum mismatch means the corpus no longer matches its own metadata
// and the campaign must not keep fuzzing from it.
func (c *Corpus) Pick(rng *rand.Rand) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, fmt.Errorf("corpus empty")
	}
	roll := rng.Float64() * c.sum
	var chosen *Entry
	for _, e := range c.entries {
		roll -= e.Fitness
		if roll <= 0 {
			chosen = e
			break
		}
	}
	if chosen == nil {
		chosen = c.entries[len(c.entries)-1]
	}
	if payloadChecksum(chosen.Payload) != chosen.Checksum {
		return nil, fmt.Errorf("entry %s payload drifted from its checksum: %w",
			chosen.ID, domain.ErrCorpusCorruption)
	}
	return chosen, nil
}

// Len returns the number of live entries.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CoverageTiers returns how many distinct coverage keys the corpus has
// banked.
func (c *Corpus) CoverageTiers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.covers)
}

// UniqueCrashes returns how many distinct crash signatures admissions
// have seen.
func (c *Corpus) UniqueCrashes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.crashes)
}

// Quarantine moves the on-disk corpus aside so a corrupted working set
// is preserved for forensics but never fuzzed from again.
func (c *Corpus) Quarantine() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir == "" {
		return nil
	}
	dest := fmt.Sprintf("%s.quarantine-%d", c.dir, time.Now().Unix())
	if err := os.Rename(c.dir, dest); err != nil {
		return fmt.Errorf("quarantine corpus: %w", err)
	}
	log.WithFields(log.Fields{"from": c.dir, "to": dest}).Warn("corpus quarantined")
	c.dir = ""
	return nil
}

// persist writes one entry under the corpus dir. Failures degrade to a
// warning; the in-memory corpus stays authoritative.
func (c *Corpus) persist(e *Entry) {
	if c.dir == "" {
		return
	}
	data, err := json.Marshal(e)
	if err == nil {
		err = os.WriteFile(filepath.Join(c.dir, e.ID+".json"), data, 0o644)
	}
	if err != nil {
		log.WithFields(log.Fields{"entry": e.ID, "err": err}).Warn("corpus entry not persisted")
	}
}
