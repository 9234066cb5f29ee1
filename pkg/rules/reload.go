package rules

import "sync/atomic"

// Reloadable is a policy backed by a file that can be re-read at runtime.
// A failed reload keeps the previous policy.
type Reloadable struct {
	path    string
	current atomic.Pointer[Rules]
}

// NewReloadable loads path and returns a Reloadable serving it.
func NewReloadable(path string) (*Reloadable, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Reloadable{path: path}
	r.current.Store(rs)
	return r, nil
}

// Reload re-reads the file and swaps it in on success.
func (r *Reloadable) Reload() (*Rules, error) {
	rs, err := Load(r.path)
	if err != nil {
		return nil, err
	}
	r.current.Store(rs)
	return rs, nil
}

// Rules returns the active policy.
func (r *Reloadable) Rules() *Rules {
	return r.current.Load()
}

// Classify matches siteURL against the active policy.
func (r *Reloadable) Classify(siteURL string) Classification {
	return r.current.Load().Classify(siteURL)
}
