// Package config holds the typed key/value settings of the pipeline.
//
// Keys are grouped by component prefix, for example
// "ResultProcess.group_size".  Each component registers its defaults once at
// construction, a default never replaces a value that is already present
// from a config file, the environment or an earlier registration.  Every
// change made through Set or picked up by a file reload is published on the
// Changed stream so components can reconfigure live.
package config

import (
	"io"
	"io/fs"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/swdee/go-particlescope/bus"
)

const (
	// Delim separates the component prefix from the setting name
	Delim = "."

	// EnvPrefix is the prefix of environment variables overriding settings,
	// PSCOPE_RESULTPROCESS__GROUP_SIZE maps to ResultProcess.group_size
	EnvPrefix = "PSCOPE_"
)

// ErrUnknownKey is returned when setting a key that was never registered
var ErrUnknownKey = errors.New("unknown setting")

// Setting describes a single registered configuration value
type Setting struct {
	// Key is the setting name without component prefix
	Key string
	// Default value, its dynamic type is the type of the setting
	Default any
	// Title is a human readable description
	Title string
}

// Change is published whenever a setting value changes
type Change struct {
	Key   string
	Value any
}

// Store is a concurrency safe settings store
type Store struct {
	mu       sync.RWMutex
	k        *koanf.Koanf
	registry map[string]Setting
	// canon maps lower cased keys to their registered spelling
	canon   map[string]string
	path    string
	changed *bus.Stream[Change]
	log     *logrus.Entry
}

// New returns an empty Store
func New() *Store {
	return &Store{
		k:        koanf.New(Delim),
		registry: make(map[string]Setting),
		canon:    make(map[string]string),
		changed:  bus.NewStream[Change]("setting-changed"),
		log:      logrus.WithField("component", "config"),
	}
}

// Join builds a full key from a component prefix and a setting name
func Join(prefix, key string) string {
	return prefix + Delim + key
}

// Register records the default settings of a component.  Defaults are only
// applied to keys that do not hold a value yet.
func (s *Store) Register(prefix string, settings []Setting) {

	s.mu.Lock()
	defer s.mu.Unlock()

	defaults := make(map[string]interface{})

	for _, st := range settings {
		key := Join(prefix, st.Key)

		if _, ok := s.registry[key]; !ok {
			s.registry[key] = st
			s.canon[strings.ToLower(key)] = key
		}

		if !s.k.Exists(key) {
			defaults[key] = st.Default
		}
	}

	if len(defaults) == 0 {
		return
	}

	if err := s.k.Load(confmap.Provider(defaults, Delim), nil); err != nil {
		s.log.Errorf("error registering defaults for %s: %v", prefix, err)
	}
}

// Registered returns the registered settings sorted by full key
func (s *Store) Registered() []string {

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.registry))

	for k := range s.registry {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Describe returns the registration of a full key
func (s *Store) Describe(key string) (Setting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.registry[key]
	return st, ok
}

// Load merges the yaml file at path into the store.  A missing file is not
// an error.  The path is remembered for Watch.
func (s *Store) Load(path string) error {

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()

	return s.reload(func(k *koanf.Koanf) error {
		err := k.Load(file.Provider(path), yaml.Parser())

		if errors.Is(err, fs.ErrNotExist) {
			// file missing, defaults apply
			return nil
		}

		return err
	})
}

// LoadEnv merges PSCOPE_ prefixed environment variables.  Double
// underscores separate the component prefix from the setting name and only
// registered keys are accepted.
func (s *Store) LoadEnv() error {

	s.mu.RLock()
	canon := make(map[string]string, len(s.canon))
	for k, v := range s.canon {
		canon[k] = v
	}
	s.mu.RUnlock()

	return s.reload(func(k *koanf.Koanf) error {
		return k.Load(env.Provider(EnvPrefix, Delim, envKey(canon)), nil)
	})
}

// envKey returns a function converting an environment variable name to a
// registered key, or an empty string to skip it
func envKey(canon map[string]string) func(string) string {
	return func(name string) string {
		name = strings.TrimPrefix(name, EnvPrefix)
		name = strings.ToLower(strings.Replace(name, "__", Delim, 1))
		return canon[name]
	}
}

// Watch reloads the config file when it changes on disk, publishing a
// Change for every value that differs
func (s *Store) Watch() error {

	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()

	if path == "" {
		return errors.New("no config file loaded")
	}

	return file.Provider(path).Watch(func(event interface{}, err error) {

		if err != nil {
			s.log.Errorf("config watch error: %v", err)
			return
		}

		if err := s.Load(path); err != nil {
			s.log.Errorf("error reloading %s: %v", path, err)
			return
		}

		s.log.Infof("reloaded %s", path)
	})
}

// reload applies fn to a copy of the current settings, swaps it in and
// publishes the differences
func (s *Store) reload(fn func(k *koanf.Koanf) error) error {

	s.mu.Lock()
	next := s.k.Copy()

	if err := fn(next); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "error loading config")
	}

	prev := s.k.All()
	s.k = next
	cur := next.All()
	s.mu.Unlock()

	for key, v := range cur {
		if old, ok := prev[key]; !ok || !reflect.DeepEqual(old, v) {
			s.changed.Publish(Change{Key: key, Value: v})
		}
	}

	return nil
}

// Set changes a registered setting and publishes the change.  The value is
// converted to the type of the registered default when possible.
func (s *Store) Set(key string, value any) error {

	s.mu.Lock()

	st, ok := s.registry[key]

	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrUnknownKey, key)
	}

	value, err := coerce(value, st.Default)

	if err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "invalid value for %s", key)
	}

	err = s.k.Load(confmap.Provider(map[string]interface{}{key: value}, Delim), nil)
	s.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "error setting %s", key)
	}

	s.changed.Publish(Change{Key: key, Value: value})

	return nil
}

// Changed returns the stream of setting changes
func (s *Store) Changed() *bus.Stream[Change] {
	return s.changed
}

// OnChange subscribes fn to changes of a single key
func (s *Store) OnChange(key string, exec bus.Executor, fn func(Change)) *bus.Subscription {
	return s.changed.Subscribe(exec, func(c Change) {
		if c.Key == key {
			fn(c)
		}
	})
}

// Get returns the raw value of key
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Get(key)
}

// Int returns key as an int
func (s *Store) Int(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Int(key)
}

// Float returns key as a float64
func (s *Store) Float(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Float64(key)
}

// Bool returns key as a bool
func (s *Store) Bool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Bool(key)
}

// String returns key as a string
func (s *Store) String(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.String(key)
}

// Seconds returns a float setting in seconds as a time.Duration
func (s *Store) Seconds(key string) time.Duration {
	return time.Duration(s.Float(key) * float64(time.Second))
}

// All returns a flat copy of every setting
func (s *Store) All() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.All()
}

// Save writes the settings as nested yaml
func (s *Store) Save(w io.Writer) error {

	s.mu.RLock()
	raw := s.k.Raw()
	s.mu.RUnlock()

	return yml.NewEncoder(w).Encode(raw)
}

// Section returns an accessor bound to a component prefix
func (s *Store) Section(prefix string) Section {
	return Section{store: s, prefix: prefix}
}
