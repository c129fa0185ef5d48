package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/swdee/go-particlescope/bus"
)

// Section reads the settings of one component prefix.  Values are read
// fresh from the store on every call so updates are seen immediately.
type Section struct {
	store  *Store
	prefix string
}

// Prefix returns the component prefix
func (s Section) Prefix() string {
	return s.prefix
}

// Key returns the full key of name
func (s Section) Key(name string) string {
	return Join(s.prefix, name)
}

// Register records defaults for this section
func (s Section) Register(settings []Setting) {
	s.store.Register(s.prefix, settings)
}

// Int returns name as an int
func (s Section) Int(name string) int {
	return s.store.Int(s.Key(name))
}

// Float returns name as a float64
func (s Section) Float(name string) float64 {
	return s.store.Float(s.Key(name))
}

// Bool returns name as a bool
func (s Section) Bool(name string) bool {
	return s.store.Bool(s.Key(name))
}

// String returns name as a string
func (s Section) String(name string) string {
	return s.store.String(s.Key(name))
}

// Seconds returns a float setting in seconds as a time.Duration
func (s Section) Seconds(name string) time.Duration {
	return s.store.Seconds(s.Key(name))
}

// Set changes a setting of this section
func (s Section) Set(name string, value any) error {
	return s.store.Set(s.Key(name), value)
}

// OnChange subscribes fn to changes of name
func (s Section) OnChange(name string, exec bus.Executor, fn func(Change)) *bus.Subscription {
	return s.store.OnChange(s.Key(name), exec, fn)
}

// coerce converts value to the type of like
func coerce(value, like any) (any, error) {

	switch like.(type) {
	case int:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != float64(int(v)) {
				return nil, errors.Errorf("%v is not an integer", v)
			}
			return int(v), nil
		case string:
			return strconv.Atoi(v)
		}

	case float64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(v, 64)
		}

	case bool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}

	case string:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprint(v), nil
		}

	default:
		return value, nil
	}

	return nil, errors.Errorf("can not use %T as %T", value, like)
}
