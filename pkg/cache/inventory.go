package cache

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry describes one cache key found on disk.
type Entry struct {
	Host      string    `json:"host"`
	Filename  string    `json:"filename"`
	HasBody   bool      `json:"has_body"`
	HasHeader bool      `json:"has_header"`
	Size      int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// Complete reports whether both the body and the header file exist.
func (e Entry) Complete() bool {
	return e.HasBody && e.HasHeader
}

// SiteHost returns the decoded host.
func (e Entry) SiteHost() string {
	if h, err := url.PathUnescape(e.Host); err == nil {
		return h
	}
	return e.Host
}

// RequestURI returns the decoded path and query, or "" when the filename is a hash.
func (e Entry) RequestURI() string {
	if !strings.HasPrefix(e.Filename, "%2F") {
		return ""
	}
	if p, err := url.PathUnescape(e.Filename); err == nil {
		return p
	}
	return ""
}

// Inventory is the result of scanning a cache root.
type Inventory struct {
	Entries []Entry  `json:"entries"`
	Temp    []string `json:"temp_files"`
}

// Incomplete returns entries missing their body or header file.
func (inv *Inventory) Incomplete() []Entry {
	var out []Entry
	for _, e := range inv.Entries {
		if !e.Complete() {
			out = append(out, e)
		}
	}
	return out
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

// Scan walks the cache root. A missing root yields an empty inventory.
func (s *Store) Scan() (*Inventory, error) {
	inv := &Inventory{}
	hosts, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return inv, nil
	}
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if !h.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.Root, h.Name()))
		if err != nil {
			return nil, err
		}
		byName := map[string]*Entry{}
		get := func(name string) *Entry {
			e, ok := byName[name]
			if !ok {
				e = &Entry{Host: h.Name(), Filename: name}
				byName[name] = e
			}
			return e
		}
		present := make(map[string]bool, len(files))
		for _, f := range files {
			if !f.IsDir() {
				present[f.Name()] = true
			}
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() {
				continue
			}
			if isTemp(name) {
				inv.Temp = append(inv.Temp, filepath.Join(s.Root, h.Name(), name))
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, err
			}
			// a path ending in .headers has a body named like a header file;
			// its own header file is the one with the suffix doubled
			if base, ok := strings.CutSuffix(name, headerSuffix); ok && !present[name+headerSuffix] {
				get(base).HasHeader = true
				continue
			}
			e := get(name)
			e.HasBody = true
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		for _, e := range byName {
			inv.Entries = append(inv.Entries, *e)
		}
	}
	sort.Slice(inv.Entries, func(i, j int) bool {
		a, b := inv.Entries[i], inv.Entries[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Filename < b.Filename
	})
	sort.Strings(inv.Temp)
	return inv, nil
}

// Prune removes leftover temp files and the files of incomplete entries.
// It returns the number of files removed.
func (s *Store) Prune(inv *Inventory) (int, error) {
	removed := 0
	var errs []error
	remove := func(path string) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			return
		}
		removed++
	}
	for _, p := range inv.Temp {
		remove(p)
	}
	for _, e := range inv.Incomplete() {
		loc := Location{Host: e.Host, Filename: e.Filename}
		if e.HasBody {
			remove(loc.BodyPath(s.Root))
		}
		if e.HasHeader {
			remove(loc.HeaderPath(s.Root))
		}
	}
	return removed, errors.Join(errs...)
}
