// Package catalog keeps the content this endpoint is willing to serve.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const fallbackName = "untitled"

var ErrNilSource = errors.New("source is nil")

type Record struct {
	CID      string
	Name     string
	MimeType string
	IsFile   bool
	Source   Source
}

type Catalog struct {
	mu      sync.RWMutex
	records map[string]Record
	newCID  func() string
}

type Option func(*Catalog)

// WithIDFunc replaces the cid generator.
func WithIDFunc(fn func() string) Option {
	return func(c *Catalog) {
		c.newCID = fn
	}
}

func New(opts ...Option) *Catalog {
	c := &Catalog{
		records: make(map[string]Record),
		newCID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve registers src under a fresh cid. An empty name falls back to the
// source's MIME type.
func (c *Catalog) Serve(src Source, name string, isFile bool) (string, error) {
	if src == nil {
		return "", ErrNilSource
	}

	mimeType := src.MimeType()
	if name == "" {
		name = mimeType
	}
	if name == "" {
		name = fallbackName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cid := c.newCID()
	for {
		if _, taken := c.records[cid]; !taken {
			break
		}
		cid = c.newCID()
	}

	c.records[cid] = Record{
		CID:      cid,
		Name:     name,
		MimeType: mimeType,
		IsFile:   isFile,
		Source:   src,
	}
	return cid, nil
}

// Remove is a no-op for unknown cids.
func (c *Catalog) Remove(cid string) {
	c.mu.Lock()
	delete(c.records, cid)
	c.mu.Unlock()
}

func (c *Catalog) Lookup(cid string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[cid]
	return rec, ok
}

// List returns the served records ordered by name, then cid.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CID < out[j].CID
	})
	return out
}

// ReadAll reads the full payload of rec. The source is left intact.
func ReadAll(ctx context.Context, rec Record) ([]byte, error) {
	r, err := rec.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rec.CID, err)
	}
	defer func() { _ = r.Close() }()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rec.CID, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
