// Package failure provides deterministic fault injection at named call sites,
// used to drive the real rollback paths in tests.
//
// The injector reads two settings from its Source on every call: a selector
// of the form key[&occurrence][:key2[&occurrence2]] and a counter reset flag.
// Each call site passes its own fixed key; the injector counts calls per key
// and returns a synthetic InjectedFailure error when the selector names the
// key's prefix and either no occurrence was given or the count equals it.
// Counters belong to the Injector value, not to the process.
package failure

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/logging"
	"github.com/davidroman0O/blockflow/metrics"
)

// Setting names read from the Source
const (
	PropertySelector = "artificial_failure"
	PropertyReset    = "artificial_failure_counter_reset"
)

// DefaultAuditLog is the audit file name used when none is given
const DefaultAuditLog = "invoke-test-failure.log"

// PrefixLength is how much of a failure key a selector has to contain
const PrefixLength = 11

const (
	occurrenceSplit = "&"
	alternateSplit  = ":"
	disabled        = "none"
	noOccurrence    = -1
)

var invokeMethodPattern = regexp.MustCompile("^.*" + regexp.QuoteMeta(InvokeMethodPrefix) + `([\w.]+|\*)$`)

// Source supplies the current settings
type Source interface {
	Property(name string) string
}

// StaticSource is a fixed, mutable-by-copy setting map
type StaticSource map[string]string

// Property implements Source
func (s StaticSource) Property(name string) string { return s[name] }

// Selector builds a selector string for key at occurrence (0 for "every call")
func Selector(key string, occurrence int) string {
	if occurrence <= 0 {
		return key
	}
	return fmt.Sprintf("%s%s%d", key, occurrenceSplit, occurrence)
}

// WithAlternate joins a forward selector with one for an alternate phase
func WithAlternate(primary, alternate string) string {
	return primary + alternateSplit + alternate
}

type point struct {
	key        string
	occurrence int
}

func parsePoint(s string) point {
	p := point{key: s, occurrence: noOccurrence}
	parts := strings.Split(s, occurrenceSplit)
	if len(parts) == 2 {
		p.key = parts[0]
		if n, err := strconv.Atoi(parts[1]); err == nil {
			p.occurrence = n
		}
	}
	return p
}

func prefix(key string) string {
	if len(key) < PrefixLength {
		return key
	}
	return key[:PrefixLength]
}

// Injector holds the per-key occurrence counters
type Injector struct {
	source  Source
	logger  logging.Logger
	audit   *zerolog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	counters map[string]int
	file     *os.File
}

// Option configures an Injector
type Option func(*Injector) error

// WithLogger sets the operational logger
func WithLogger(l logging.Logger) Option {
	return func(i *Injector) error {
		i.logger = logging.OrNop(l)
		return nil
	}
}

// WithMetrics counts injected failures
func WithMetrics(c *metrics.Collector) Option {
	return func(i *Injector) error {
		i.metrics = c
		return nil
	}
}

// WithAuditLog appends one JSON line per injected failure to path
func WithAuditLog(path string) Option {
	return func(i *Injector) error {
		if path == "" {
			return nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open failure audit log: %w", err)
		}
		zl := zerolog.New(f).With().Timestamp().Logger()
		i.file = f
		i.audit = &zl
		return nil
	}
}

// New creates an injector reading its settings from source. A nil source
// disables injection.
func New(source Source, opts ...Option) (*Injector, error) {
	if source == nil {
		source = StaticSource{}
	}
	i := &Injector{
		source:   source,
		logger:   logging.NewNop(),
		counters: make(map[string]int),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Disabled returns an injector that never fires
func Disabled() *Injector {
	i, _ := New(nil)
	return i
}

// Close closes the audit log
func (i *Injector) Close() error {
	if i == nil || i.file == nil {
		return nil
	}
	return i.file.Close()
}

// Invoke is called by an instrumented call site with its fixed key. It
// returns a synthetic InjectedFailure error when the configured selector
// targets this call. A nil Injector never fires.
func (i *Injector) Invoke(key string) error {
	if i == nil {
		return nil
	}
	selector := i.source.Property(PropertySelector)
	if selector == "" || selector == disabled {
		return nil
	}
	if !strings.Contains(selector, prefix(key)) {
		return nil
	}

	i.mu.Lock()
	i.counters[key]++
	count := i.counters[key]
	i.mu.Unlock()

	if !canInvoke(selector, key, count) {
		return nil
	}
	i.fired(key, fmt.Sprintf("Injecting failure: %s at failure occurrence: %d", key, count))
	return errors.InjectedFailure(key)
}

// canInvoke picks the selector pair naming key and compares its occurrence
func canInvoke(selector, key string, count int) bool {
	first, second := selector, ""
	if strings.Contains(selector, alternateSplit) {
		parts := strings.Split(selector, alternateSplit)
		if len(parts) == 2 {
			first, second = parts[0], parts[1]
		}
	}

	chosen := parsePoint(first)
	if !strings.Contains(key, prefix(chosen.key)) && second != "" {
		alt := parsePoint(second)
		if strings.Contains(key, prefix(alt.key)) {
			chosen = alt
		}
	}
	return chosen.occurrence == noOccurrence || chosen.occurrence == count
}

// InvokeMethod targets a named device call. It fires when the selector ends
// with InvokeMethodPrefix followed by the method name (case-insensitive) or
// by "*".
func (i *Injector) InvokeMethod(method string) error {
	if i == nil {
		return nil
	}
	selector := i.source.Property(PropertySelector)
	if !strings.Contains(selector, "invoke_method") {
		return nil
	}
	m := invokeMethodPattern.FindStringSubmatch(selector)
	if m == nil {
		return nil
	}
	target := m[1]
	if target != "*" && !strings.EqualFold(target, method) {
		return nil
	}
	key := InvokeMethodPrefix + method
	i.fired(key, "Injecting failure: "+key)
	return errors.InjectedFailure(key)
}

func (i *Injector) fired(key, msg string) {
	i.logger.Warn("%s", msg)
	i.metrics.Injected(key)
	if i.audit != nil {
		i.audit.Info().Str("key", key).Msg(msg)
	}
}

// Reset clears every counter
func (i *Injector) Reset() {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters = make(map[string]int)
}

// ResetIfRequested clears the counters when the reset flag is set. It is an
// explicit call made at the start of a request, never a side effect of
// Invoke.
func (i *Injector) ResetIfRequested() bool {
	if i == nil {
		return false
	}
	flag, err := strconv.ParseBool(i.source.Property(PropertyReset))
	if err != nil || !flag {
		return false
	}
	i.Reset()
	return true
}

// Count returns how many matching calls key has seen
func (i *Injector) Count(key string) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.counters[key]
}
