// Package configuration is the charge point's typed key/value store. Keys are
// grouped into containers; every container except the volatile ones is
// persisted as a YAML file.
package configuration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultContainer = "/ocpp-config.yaml"
	// Volatile prefixes container names that only live in memory.
	Volatile = "/volatile"
)

var (
	ErrUnknownKey    = errors.New("unknown configuration key")
	ErrReadOnly      = errors.New("configuration key is read-only")
	ErrLocalReadOnly = errors.New("configuration key is read-only for the local client")
	ErrInvalidValue  = errors.New("invalid configuration value")
	ErrTypeConflict  = errors.New("configuration key declared with another type")
)

// Value constrains the types a key can hold.
type Value interface {
	int | float64 | string | bool
}

type Type string

const (
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeString Type = "string"
	TypeBool   Type = "bool"
)

func typeOf(v any) Type {
	switch v.(type) {
	case int:
		return TypeInt
	case float64:
		return TypeFloat
	case bool:
		return TypeBool
	default:
		return TypeString
	}
}

type Permissions struct {
	RemoteRead     bool
	RemoteWrite    bool
	LocalWrite     bool
	RebootRequired bool
}

// Option adjusts the permissions or container of a declared key.
type Option func(*declaration)

type declaration struct {
	container   string
	permissions Permissions
}

func InContainer(name string) Option {
	return func(d *declaration) { d.container = name }
}

// ReadOnly forbids writes by the Central System.
func ReadOnly() Option {
	return func(d *declaration) { d.permissions.RemoteWrite = false }
}

// Hidden keeps the key out of GetConfiguration.
func Hidden() Option {
	return func(d *declaration) { d.permissions.RemoteRead = false }
}

// LocalReadOnly forbids writes through SetLocal.
func LocalReadOnly() Option {
	return func(d *declaration) { d.permissions.LocalWrite = false }
}

func RebootRequired() Option {
	return func(d *declaration) { d.permissions.RebootRequired = true }
}

type entry struct {
	key         string
	value       any
	permissions Permissions
	validate    func(any) bool
	container   *container
}

type container struct {
	name     string
	path     string
	entries  []*entry
	modified bool
}

func (c *container) volatile() bool {
	return c.path == ""
}

func (c *container) lookup(key string) (*entry, int) {
	for i, e := range c.entries {
		if e.key == key {
			return e, i
		}
	}
	return nil, -1
}

// Store holds every declared key. It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	dir        string
	containers []*container
	log        *logrus.Entry
}

// NewStore creates a store persisting its containers below dir. An empty dir
// keeps every container in memory.
func NewStore(dir string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{dir: dir, log: logger.WithField("component", "configuration")}
}

// Declare returns the handle for key. If key already holds a value of type T,
// for example one loaded from a previous run, that value is kept; otherwise
// key is (re)created with def. Permissions are reset on every declaration.
func Declare[T Value](s *Store, key string, def T, opts ...Option) *Handle[T] {
	d := declaration{
		container:   DefaultContainer,
		permissions: Permissions{RemoteRead: true, RemoteWrite: true, LocalWrite: true},
	}
	for _, opt := range opts {
		opt(&d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.container(d.container)
	e, idx := c.lookup(key)
	if e != nil {
		if _, ok := e.value.(T); !ok {
			s.log.Errorf("conflicting declared types for %s: %s, override previous declaration", key, typeOf(e.value))
			c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
			c.modified = true
			e = nil
		}
	}
	if e == nil {
		e = &entry{key: key, value: def, container: c}
		c.entries = append(c.entries, e)
		c.modified = true
	}
	e.permissions = d.permissions
	return &Handle[T]{store: s, entry: e}
}

// Lookup returns the handle of an already declared key.
func Lookup[T Value](s *Store, key string) (*Handle[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.find(key)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if _, ok := e.value.(T); !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrTypeConflict, key, typeOf(e.value))
	}
	return &Handle[T]{store: s, entry: e}, nil
}

// container returns the container called name, loading it on first use.
func (s *Store) container(name string) *container {
	for _, c := range s.containers {
		if c.name == name {
			return c
		}
	}

	s.log.Infof("init new configurations container: %s", name)
	c := &container{name: name}
	if s.dir != "" && !strings.HasPrefix(name, Volatile) {
		c.path = filepath.Join(s.dir, filepath.FromSlash(name))
		if err := c.load(); err != nil {
			s.log.Warnf("cannot load %s, path will be overwritten: %v", c.path, err)
		}
	}
	s.containers = append(s.containers, c)
	return c
}

func (s *Store) find(key string) *entry {
	for _, c := range s.containers {
		if e, _ := c.lookup(key); e != nil {
			return e
		}
	}
	return nil
}

// Save writes every modified persistent container.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range s.containers {
		if c.volatile() || !c.modified {
			continue
		}
		if err := c.save(); err != nil {
			errs = append(errs, err)
			continue
		}
		c.modified = false
	}
	return errors.Join(errs...)
}

// Entry is a snapshot of one key as the Central System sees it.
type Entry struct {
	Key         string
	Value       string
	Type        Type
	Permissions Permissions
}

func (e Entry) ReadOnly() bool {
	return !e.Permissions.RemoteWrite
}

func snapshot(e *entry) Entry {
	return Entry{Key: e.key, Value: format(e.value), Type: typeOf(e.value), Permissions: e.permissions}
}

// Get returns the key regardless of its read permission.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.find(key)
	if e == nil {
		return Entry{}, false
	}
	return snapshot(e), true
}

// Readable lists the keys the Central System may read, sorted by key.
func (s *Store) Readable() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, c := range s.containers {
		for _, e := range c.entries {
			if e.permissions.RemoteRead {
				out = append(out, snapshot(e))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetRemote applies a value the Central System sent as a string. It reports
// whether the change only takes effect after a reboot.
func (s *Store) SetRemote(key, raw string) (rebootRequired bool, err error) {
	return s.set(key, raw, func(p Permissions) error {
		if !p.RemoteWrite {
			return ErrReadOnly
		}
		return nil
	})
}

// SetLocal applies a value the host application sent as a string. It reports
// whether the change only takes effect after a reboot.
func (s *Store) SetLocal(key, raw string) (rebootRequired bool, err error) {
	return s.set(key, raw, func(p Permissions) error {
		if !p.LocalWrite {
			return ErrLocalReadOnly
		}
		return nil
	})
}

func (s *Store) set(key, raw string, permitted func(Permissions) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(key)
	if e == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := permitted(e.permissions); err != nil {
		return false, fmt.Errorf("%w: %s", err, key)
	}
	v, err := parse(typeOf(e.value), raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, raw, err)
	}
	if e.validate != nil && !e.validate(v) {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw)
	}
	if e.value != v {
		e.value = v
		e.container.modified = true
	}
	return e.permissions.RebootRequired, nil
}

// Handle reads and writes one declared key.
type Handle[T Value] struct {
	store *Store
	entry *entry
}

func (h *Handle[T]) Key() string {
	return h.entry.key
}

func (h *Handle[T]) Get() T {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	v, _ := h.entry.value.(T)
	return v
}

// Set stores v. The container is written on the next Save.
func (h *Handle[T]) Set(v T) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if cur, ok := h.entry.value.(T); ok && cur == v {
		return
	}
	h.entry.value = v
	h.entry.container.modified = true
}

// Validate installs a check applied to values written through SetRemote and
// SetLocal.
func (h *Handle[T]) Validate(fn func(T) bool) *Handle[T] {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.entry.validate = func(v any) bool {
		t, ok := v.(T)
		return ok && fn(t)
	}
	return h
}

func format(v any) string {
	switch v := v.(type) {
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	}
	return fmt.Sprint(v)
}

func parse(t Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case TypeInt:
		return strconv.Atoi(raw)
	case TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case TypeBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

type fileEntry struct {
	Key   string    `yaml:"key"`
	Type  Type      `yaml:"type"`
	Value yaml.Node `yaml:"value"`
}

type file struct {
	Head struct {
		Content string `yaml:"content"`
		Version string `yaml:"version"`
	} `yaml:"head"`
	Configurations []fileEntry `yaml:"configurations"`
}

const fileVersion = "1.0"

func (c *container) load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode %s: %w", c.path, err)
	}
	for _, fe := range f.Configurations {
		var v any
		switch fe.Type {
		case TypeInt:
			var i int
			err = fe.Value.Decode(&i)
			v = i
		case TypeFloat:
			var x float64
			err = fe.Value.Decode(&x)
			v = x
		case TypeBool:
			var b bool
			err = fe.Value.Decode(&b)
			v = b
		case TypeString:
			var s string
			err = fe.Value.Decode(&s)
			v = s
		default:
			err = fmt.Errorf("unknown type %q", fe.Type)
		}
		if err != nil {
			return fmt.Errorf("decode %s in %s: %w", fe.Key, c.path, err)
		}
		if e, _ := c.lookup(fe.Key); e != nil {
			continue
		}
		c.entries = append(c.entries, &entry{
			key:         fe.Key,
			value:       v,
			permissions: Permissions{RemoteRead: true, RemoteWrite: true, LocalWrite: true},
			container:   c,
		})
	}
	return nil
}

func (c *container) save() error {
	var f file
	f.Head.Content = "configurations"
	f.Head.Version = fileVersion
	for _, e := range c.entries {
		var node yaml.Node
		if err := node.Encode(e.value); err != nil {
			return fmt.Errorf("encode %s: %w", e.key, err)
		}
		f.Configurations = append(f.Configurations, fileEntry{Key: e.key, Type: typeOf(e.value), Value: node})
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
