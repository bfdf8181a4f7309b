// Package memstore provides an in-memory outreach.Directory.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/coverwatch/internal/outreach"
)

type key struct{ org, vendor string }

// Directory holds vendor contacts in memory. Suitable for dev/testing.
type Directory struct {
	mu       sync.RWMutex
	contacts map[key]outreach.Contact
}

// New initializes an empty Directory.
func New() *Directory {
	return &Directory{contacts: make(map[key]outreach.Contact)}
}

// PutContact stores or replaces the vendor's contacts.
func (d *Directory) PutContact(_ context.Context, c *outreach.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[key{c.OrgID, c.VendorID}] = *c
	return nil
}

// Contact implements outreach.Directory.
func (d *Directory) Contact(_ context.Context, orgID, vendorID string) (*outreach.Contact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[key{orgID, vendorID}]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}
