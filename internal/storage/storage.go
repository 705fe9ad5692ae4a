package storage

import (
	"fmt"
	"strings"

	"github.com/Adda-Baaj/malshare/internal/domain"
)

// Package storage keeps a local ledger of downloaded samples.

// Store records downloaded samples.
type Store interface {
	Close() error
	RecordDownload(sample domain.Sample) error
	Downloads() ([]domain.Sample, error)
}

// NewStore creates the configured storage backend.
func NewStore(typ, path string) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))

	switch typ {
	case "", "none", "disabled":
		return noopStore{}, nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

type noopStore struct{}

func (noopStore) Close() error                        { return nil }
func (noopStore) RecordDownload(domain.Sample) error  { return nil }
func (noopStore) Downloads() ([]domain.Sample, error) { return nil, nil }
