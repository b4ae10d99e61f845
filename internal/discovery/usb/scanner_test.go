package usb

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/model"
)

func TestDeviceDatabase_Lookup(t *testing.T) {
	db := NewDeviceDatabase()

	vendor, product := db.Lookup(0x0416, 0x5011)
	require.NotNil(t, vendor)
	require.NotNil(t, product)
	assert.Equal(t, "KA3005P", product.Model)
	assert.True(t, product.Supported)

	vendor, product = db.Lookup(0x0416, 0x1234)
	assert.NotNil(t, vendor)
	assert.Nil(t, product)

	vendor, product = db.Lookup(0xdead, 0xbeef)
	assert.Nil(t, vendor)
	assert.Nil(t, product)
	assert.False(t, db.IsKnownVendor(0xdead))
}

func TestDeviceDatabase_AddVendorIsIdempotent(t *testing.T) {
	db := NewDeviceDatabase()
	v := db.AddVendor(0x0416, "other name")
	assert.Equal(t, "Nuvoton Technology Corp.", v.Name)
	assert.Same(t, v, db.GetVendorInfo(0x0416))
}

func TestScanner_Identify(t *testing.T) {
	s := NewScanner(zap.NewNop(), []model.VidPid{{VendorID: 0x1a86, ProductID: 0x7523}}, nil)

	d := s.identify(&gousb.DeviceDesc{Vendor: 0x0416, Product: 0x5011, Bus: 1, Port: 2, Address: 7})
	require.NotNil(t, d)
	assert.True(t, d.Supported)
	assert.Equal(t, "KA3005P", d.Model)
	assert.Equal(t, "0416", d.VendorID)
	assert.Equal(t, "5011", d.ProductID)
	assert.Equal(t, "USB-Bus1-Port2-Addr7", d.Location)

	// configured match promotes a generic bridge
	d = s.identify(&gousb.DeviceDesc{Vendor: 0x1a86, Product: 0x7523})
	require.NotNil(t, d)
	assert.True(t, d.Supported)
	assert.Equal(t, 0.8, d.Confidence)

	d = s.identify(&gousb.DeviceDesc{Vendor: 0x10c4, Product: 0xea60})
	require.NotNil(t, d)
	assert.False(t, d.Supported)

	d = s.identify(&gousb.DeviceDesc{Vendor: 0x0416, Product: 0x0001})
	require.NotNil(t, d)
	assert.Equal(t, "Unknown-0001", d.Model)

	assert.Nil(t, s.identify(&gousb.DeviceDesc{Vendor: 0x046d, Product: 0xc52b}))
}
