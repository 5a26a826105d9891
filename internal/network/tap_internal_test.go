// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeLinks struct {
	links   map[string]netlink.Link
	masters map[string]string
	up      map[string]bool
	failAdd error
}

func newFakeLinks(existing ...netlink.Link) *fakeLinks {
	f := &fakeLinks{
		links:   map[string]netlink.Link{},
		masters: map[string]string{},
		up:      map[string]bool{},
	}

	for _, link := range existing {
		f.links[link.Attrs().Name] = link
	}

	return f
}

func (f *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	link, exists := f.links[name]
	if !exists {
		return nil, netlink.LinkNotFoundError{}
	}

	return link, nil
}

func (f *fakeLinks) LinkAdd(link netlink.Link) error {
	if f.failAdd != nil {
		return f.failAdd
	}

	f.links[link.Attrs().Name] = link

	return nil
}

func (f *fakeLinks) LinkSetMaster(link netlink.Link, master netlink.Link) error {
	f.masters[link.Attrs().Name] = master.Attrs().Name
	return nil
}

func (f *fakeLinks) LinkSetUp(link netlink.Link) error {
	f.up[link.Attrs().Name] = true
	return nil
}

func (f *fakeLinks) LinkDel(link netlink.Link) error {
	delete(f.links, link.Attrs().Name)
	return nil
}

func bridge(name string) *netlink.Bridge {
	return &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{name: "vm0123456789ab", valid: true},
		{name: "br0", valid: true},
		{name: "", valid: false},
		{name: "0123456789abcdef", valid: false},
		{name: "a/b", valid: false},
		{name: "a b", valid: false},
		{name: "..", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidName)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	fake := newFakeLinks(bridge("br0"))
	manager := &TapManager{links: fake}

	require.NoError(t, manager.Setup("vmtap", "br0"))

	tap, ok := fake.links["vmtap"].(*netlink.Tuntap)
	require.True(t, ok, "tuntap device expected")
	assert.Equal(t, netlink.TUNTAP_MODE_TAP, tap.Mode)
	assert.False(t, tap.NonPersist)
	assert.Equal(t, "br0", fake.masters["vmtap"])
	assert.True(t, fake.up["vmtap"])

	// Existing devices are reused.
	fake.up["vmtap"] = false
	require.NoError(t, manager.Setup("vmtap", "br0"))
	assert.Same(t, tap, fake.links["vmtap"])
	assert.True(t, fake.up["vmtap"])

	require.NoError(t, manager.Teardown("vmtap"))
	assert.NotContains(t, fake.links, "vmtap")

	require.NoError(t, manager.Teardown("vmtap"), "missing device")
}

func TestSetupFailures(t *testing.T) {
	errAdd := errors.New("operation not permitted")

	tests := []struct {
		name        string
		links       *fakeLinks
		tap         string
		bridge      string
		expectedErr error
	}{
		{
			name:        "invalid tap name",
			links:       newFakeLinks(bridge("br0")),
			tap:         "this-name-is-too-long",
			bridge:      "br0",
			expectedErr: ErrInvalidName,
		},
		{
			name:        "missing bridge",
			links:       newFakeLinks(),
			tap:         "vmtap",
			bridge:      "br0",
			expectedErr: netlink.LinkNotFoundError{},
		},
		{
			name:        "not a bridge",
			links:       newFakeLinks(&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}),
			tap:         "vmtap",
			bridge:      "eth0",
			expectedErr: ErrNotABridge,
		},
		{
			name: "add fails",
			links: func() *fakeLinks {
				f := newFakeLinks(bridge("br0"))
				f.failAdd = errAdd

				return f
			}(),
			tap:         "vmtap",
			bridge:      "br0",
			expectedErr: errAdd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &TapManager{links: tt.links}

			err := manager.Setup(tt.tap, tt.bridge)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}
