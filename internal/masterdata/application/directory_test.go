package application

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/masterdata/infrastructure/memory"
)

func newTestDirectory(t *testing.T, packs int, opts ...DirectoryOption) (*Directory, *memory.DeviceStore) {
	t.Helper()
	store := memory.NewDeviceStore()
	subs := memory.NewSubscriptions(masterdata.Subscription{CustomerID: "c1", Packs: packs, Active: true})
	seq := 0
	opts = append([]DirectoryOption{WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("dev-%d", seq)
	})}, opts...)
	directory, err := NewDirectory(store, subs, opts...)
	require.NoError(t, err)
	return directory, store
}

func TestDirectoryLicenseGate(t *testing.T) {
	ctx := context.Background()
	directory, store := newTestDirectory(t, 1, WithDevicesPerPack(2))

	require.NoError(t, directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m1"}))
	require.NoError(t, directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m2"}))

	err := directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m3"})
	require.ErrorIs(t, err, masterdata.ErrLicenseExceeded)

	count, err := store.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	missing, err := store.FindByName(ctx, "c1", "m3")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDirectoryRejectsUnknownAndDisabledCustomers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDeviceStore()
	subs := memory.NewSubscriptions(masterdata.Subscription{CustomerID: "off", Packs: 5, Active: false})
	directory, err := NewDirectory(store, subs)
	require.NoError(t, err)

	err = directory.Add(ctx, &masterdata.Device{CustomerID: "nobody", DeviceName: "m1"})
	require.ErrorIs(t, err, masterdata.ErrUnknownCustomer)

	_, _, err = directory.Resolve(ctx, "off", "m1", "", "")
	require.ErrorIs(t, err, masterdata.ErrCustomerDisabled)
}

func TestDirectoryAddDefaultsAndUniqueness(t *testing.T) {
	ctx := context.Background()
	directory, _ := newTestDirectory(t, 1)

	device := &masterdata.Device{CustomerID: "c1", DeviceName: "m1"}
	require.NoError(t, directory.Add(ctx, device))
	require.Equal(t, "dev-1", device.ID)
	require.Equal(t, "m1", device.DisplayName)
	require.Equal(t, masterdata.NoSite, device.SiteID)

	err := directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m1"})
	require.ErrorIs(t, err, masterdata.ErrDuplicateName)

	err = directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m2", DisplayName: "m1"})
	require.ErrorIs(t, err, masterdata.ErrDuplicateName)
}

func TestDirectorySiteDeviceOwnsItsSiteID(t *testing.T) {
	ctx := context.Background()
	directory, _ := newTestDirectory(t, 1)

	site := &masterdata.Device{CustomerID: "c1", DisplayName: "Plant", IsSite: true}
	require.NoError(t, directory.Add(ctx, site))
	require.True(t, site.Virtual)
	require.Equal(t, site.ID, site.SiteID)

	child := &masterdata.Device{CustomerID: "c1", DeviceName: "m1", SiteID: site.ID}
	require.NoError(t, directory.Add(ctx, child))
	require.Equal(t, "Plant", child.Site)

	err := directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m2", SiteID: "missing"})
	require.ErrorIs(t, err, masterdata.ErrSiteNotFound)
}

func TestDirectorySiteRenameCascades(t *testing.T) {
	ctx := context.Background()
	directory, store := newTestDirectory(t, 1)

	site := &masterdata.Device{CustomerID: "c1", DisplayName: "Plant", IsSite: true}
	require.NoError(t, directory.Add(ctx, site))
	for _, name := range []string{"m1", "m2"} {
		require.NoError(t, directory.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: name, SiteID: site.ID}))
	}

	renamed := *site
	renamed.DisplayName = "North Plant"
	require.NoError(t, directory.Update(ctx, &renamed))

	children, err := store.ListBySite(ctx, "c1", site.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		require.Equal(t, "North Plant", child.Site, child.ID)
	}
}

type failingBatchStore struct {
	*memory.DeviceStore
}

func (failingBatchStore) UpdateBatch(context.Context, []masterdata.Device) error {
	return errors.New("store unavailable")
}

func TestDirectorySiteRenameFailureLeavesChildrenUntouched(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewDeviceStore()
	subs := memory.NewSubscriptions(masterdata.Subscription{CustomerID: "c1", Packs: 1, Active: true})
	seeded, err := NewDirectory(inner, subs)
	require.NoError(t, err)
	site := &masterdata.Device{CustomerID: "c1", DisplayName: "Plant", IsSite: true}
	require.NoError(t, seeded.Add(ctx, site))
	require.NoError(t, seeded.Add(ctx, &masterdata.Device{CustomerID: "c1", DeviceName: "m1", SiteID: site.ID}))

	broken, err := NewDirectory(failingBatchStore{inner}, subs)
	require.NoError(t, err)
	renamed := *site
	renamed.DisplayName = "North Plant"
	require.Error(t, broken.Update(ctx, &renamed))

	children, err := inner.ListBySite(ctx, "c1", site.ID)
	require.NoError(t, err)
	for _, child := range children {
		require.Equal(t, "Plant", child.Site)
	}
}

func TestDirectoryDeleteSiteDetachesChildren(t *testing.T) {
	ctx := context.Background()
	directory, store := newTestDirectory(t, 1)

	site := &masterdata.Device{CustomerID: "c1", DisplayName: "Plant", IsSite: true}
	require.NoError(t, directory.Add(ctx, site))
	child := &masterdata.Device{CustomerID: "c1", DeviceName: "m1", SiteID: site.ID}
	require.NoError(t, directory.Add(ctx, child))

	require.NoError(t, directory.Delete(ctx, "c1", site.ID))

	gone, err := store.Get(ctx, site.ID, "c1")
	require.NoError(t, err)
	require.Nil(t, gone)
	detached, err := store.Get(ctx, child.ID, "c1")
	require.NoError(t, err)
	require.Equal(t, masterdata.NoSite, detached.SiteID)
	require.Empty(t, detached.Site)
}

func TestDirectoryResolve(t *testing.T) {
	ctx := context.Background()
	directory, store := newTestDirectory(t, 1)

	existing := &masterdata.Device{CustomerID: "c1", DeviceName: "Inverter-01", SerialNumber: "SN1"}
	require.NoError(t, directory.Add(ctx, existing))

	device, outcome, err := directory.Resolve(ctx, "c1", "Inverter-01", "SN1", "obvius")
	require.NoError(t, err)
	require.Equal(t, ResolvedExact, outcome)
	require.Equal(t, existing.ID, device.ID)

	device, outcome, err = directory.Resolve(ctx, "c1", "inverter 01", "SN1", "obvius")
	require.NoError(t, err)
	require.Equal(t, ResolvedFuzzy, outcome)
	require.Equal(t, existing.ID, device.ID)
	stored, err := store.Get(ctx, existing.ID, "c1")
	require.NoError(t, err)
	require.Equal(t, "inverter 01", stored.DeviceName)

	device, outcome, err = directory.Resolve(ctx, "c1", "Inverter-02", "SN2", "obvius")
	require.NoError(t, err)
	require.Equal(t, ResolvedProvisioned, outcome)
	require.NotEqual(t, existing.ID, device.ID)
	require.Equal(t, "obvius", device.Protocol)

	count, err := store.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestDirectoryResolveRenamedWithSuffix(t *testing.T) {
	ctx := context.Background()
	directory, store := newTestDirectory(t, 1)

	existing := &masterdata.Device{CustomerID: "c1", DeviceName: "Inverter 1"}
	require.NoError(t, directory.Add(ctx, existing))

	device, outcome, err := directory.Resolve(ctx, "c1", "Inverter 1 (A)", "", "")
	require.NoError(t, err)
	require.Equal(t, ResolvedFuzzy, outcome)
	require.Equal(t, existing.ID, device.ID)

	count, err := store.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestFuzzyCandidate(t *testing.T) {
	devices := []masterdata.Device{
		{ID: "a", DeviceName: "Meter-A", SerialNumber: "S1"},
		{ID: "b", DeviceName: "meter b"},
		{ID: "c", DeviceName: "Meter_C", Disabled: true},
		{ID: "d", DeviceName: "meterd", Virtual: true},
		{ID: "e", DeviceName: "Dup 1"},
		{ID: "f", DeviceName: "dup-1"},
		{ID: "g", DeviceName: "Inverter 1"},
	}

	tests := []struct {
		name   string
		serial string
		want   string
	}{
		{name: "METER B", want: "b"},
		{name: "renamed completely", serial: "S1", want: "a"},
		{name: "meter a", serial: "OTHER", want: ""},
		{name: "meterc", want: ""},
		{name: "Meter D", want: ""},
		{name: "DUP1", want: ""},
		{name: "unrelated", want: ""},
		{name: "Inverter 1 (A)", want: "g"},
		{name: "inverter-1-south", want: "g"},
		{name: "Inverter 10", want: ""},
		{name: "Inverter", want: ""},
		{name: "Dup 1 (B)", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := fuzzyCandidate(devices, tc.name, tc.serial)
			if tc.want == "" {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, tc.want, got.ID)
		})
	}
}
