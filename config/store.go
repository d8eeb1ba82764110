package config

import (
	"errors"
	"sync/atomic"
)

// Store publishes the current configuration. Snapshots returned by Load
// are shared and must not be modified.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(c *Config) (*Store, error) {
	s := &Store{}
	if err := s.Swap(c); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Load() *Config {
	return s.cur.Load()
}

// Swap validates c and publishes it. On error the previous snapshot stays.
func (s *Store) Swap(c *Config) error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.cur.Store(c)
	return nil
}
