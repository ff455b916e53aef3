package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Type is the value type of a tunable key.
type Type string

const (
	TypeStr   Type = "str"
	TypeInt   Type = "int"
	TypeFloat Type = "float"
	TypeBool  Type = "bool"
)

// Key describes one tunable in the schema.
type Key struct {
	Name            string
	Type            Type
	Default         string
	Env             string // environment variable consulted between override and default
	RestartRequired bool   // persisted but not hot-applied
}

// Schema lists every tunable send-policy key. Values resolve override →
// environment → default.
func Schema() []Key {
	return []Key{
		{Name: "thread_workers", Type: TypeInt, Default: "10", Env: "THREAD_WORKERS"},
		{Name: "chunk_size", Type: TypeInt, Default: "300", Env: "CHUNK_SIZE"},
		{Name: "send_delay", Type: TypeFloat, Default: "0.01", Env: "SEND_DELAY"},
		{Name: "sleep_between_chunks", Type: TypeFloat, Default: "0.1", Env: "SLEEP_BETWEEN_CHUNKS"},
		{Name: "spam_threshold", Type: TypeFloat, Default: "5.0", Env: "SPAM_THRESHOLD"},
		{Name: "backoff_enabled", Type: TypeBool, Default: "true", Env: "BACKOFF_ENABLED"},
		{Name: "backoff_base_s", Type: TypeFloat, Default: "30", Env: "BACKOFF_BASE_S"},
		{Name: "backoff_cap_s", Type: TypeFloat, Default: "900", Env: "BACKOFF_CAP_S"},
		{Name: "max_chunk_attempts", Type: TypeInt, Default: "6", Env: "MAX_CHUNK_ATTEMPTS"},
		{Name: "rbl_blocks", Type: TypeBool, Default: "false", Env: "RBL_BLOCKS"},
		{Name: "kill_min_sample", Type: TypeInt, Default: "500", Env: "KILL_MIN_SAMPLE"},
		{Name: "kill_bounce_rate", Type: TypeFloat, Default: "0.05", Env: "KILL_BOUNCE_RATE"},
		{Name: "kill_complaint_rate", Type: TypeFloat, Default: "0.001", Env: "KILL_COMPLAINT_RATE"},
		{Name: "monitor_insecure_retry", Type: TypeBool, Default: "false", Env: "MONITOR_INSECURE_RETRY", RestartRequired: true},
	}
}

// Overrides is the durable layer under the store, satisfied by the SQL store.
type Overrides interface {
	GetConfigOverride(ctx context.Context, key string) (string, bool, error)
	SetConfigOverride(ctx context.Context, key, value string) error
	DeleteConfigOverride(ctx context.Context, key string) error
	AllConfigOverrides(ctx context.Context) (map[string]string, error)
}

// Effective is one resolved key for the config API.
type Effective struct {
	Name            string `json:"name"`
	Type            Type   `json:"type"`
	Value           string `json:"value"`
	Source          string `json:"source"` // "db", "env", "default"
	RestartRequired bool   `json:"restart_required"`
}

// Store resolves tunables through three layers with a cached override map so
// the scheduler's per-iteration reads never touch the database. Writes go
// through Set, which validates, persists, and updates the cache; the next
// scheduler iteration picks up the new value.
type Store struct {
	mu     sync.RWMutex
	schema map[string]Key
	order  []string
	db     Overrides
	cache  map[string]string
	getenv func(string) string
}

// NewStore builds a store over the stock schema.
func NewStore(db Overrides) *Store {
	s := &Store{
		schema: map[string]Key{},
		db:     db,
		cache:  map[string]string{},
		getenv: os.Getenv,
	}
	for _, k := range Schema() {
		s.schema[k.Name] = k
		s.order = append(s.order, k.Name)
	}
	return s
}

// Load primes the override cache from the durable layer.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	all, err := s.db.AllConfigOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load config overrides: %w", err)
	}
	s.mu.Lock()
	s.cache = all
	s.mu.Unlock()
	return nil
}

// Value resolves name through the layers, returning the effective raw value
// and its source tag.
func (s *Store) Value(name string) (value, source string, ok bool) {
	key, known := s.schema[name]
	if !known {
		return "", "", false
	}
	s.mu.RLock()
	v, overridden := s.cache[name]
	s.mu.RUnlock()
	if overridden {
		return v, "db", true
	}
	if key.Env != "" {
		if v := s.getenv(key.Env); v != "" {
			return v, "env", true
		}
	}
	return key.Default, "default", true
}

// Set validates raw against the key's type and persists it as a durable
// override.
func (s *Store) Set(ctx context.Context, name, raw string) error {
	key, known := s.schema[name]
	if !known {
		return fmt.Errorf("unknown config key %q", name)
	}
	if err := validate(key.Type, raw); err != nil {
		return fmt.Errorf("config key %q: %w", name, err)
	}
	if s.db != nil {
		if err := s.db.SetConfigOverride(ctx, name, raw); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cache[name] = raw
	s.mu.Unlock()
	return nil
}

// Unset drops the durable override so the env or default layer applies.
func (s *Store) Unset(ctx context.Context, name string) error {
	if _, known := s.schema[name]; !known {
		return fmt.Errorf("unknown config key %q", name)
	}
	if s.db != nil {
		if err := s.db.DeleteConfigOverride(ctx, name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// All returns every key with its effective value and source, in schema order.
func (s *Store) All() []Effective {
	out := make([]Effective, 0, len(s.order))
	for _, name := range s.order {
		key := s.schema[name]
		v, src, _ := s.Value(name)
		out = append(out, Effective{
			Name: name, Type: key.Type, Value: v, Source: src,
			RestartRequired: key.RestartRequired,
		})
	}
	return out
}

// Int returns the key as an int, falling back to the schema default when the
// effective value does not parse.
func (s *Store) Int(name string) int {
	v, _, ok := s.Value(name)
	if ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	n, _ := strconv.Atoi(s.schema[name].Default)
	return n
}

// Float returns the key as a float64.
func (s *Store) Float(name string) float64 {
	v, _, ok := s.Value(name)
	if ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	f, _ := strconv.ParseFloat(s.schema[name].Default, 64)
	return f
}

// Bool returns the key as a bool.
func (s *Store) Bool(name string) bool {
	v, _, ok := s.Value(name)
	if ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	b, _ := strconv.ParseBool(s.schema[name].Default)
	return b
}

// Str returns the key's effective raw value.
func (s *Store) Str(name string) string {
	v, _, _ := s.Value(name)
	return v
}

func validate(t Type, raw string) error {
	switch t {
	case TypeStr:
		return nil
	case TypeInt:
		if _, err := strconv.Atoi(raw); err != nil {
			return fmt.Errorf("want int, got %q", raw)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("want float, got %q", raw)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("want bool, got %q", raw)
		}
	default:
		return fmt.Errorf("unknown type %q", t)
	}
	return nil
}
