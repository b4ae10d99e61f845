// internal/discovery/usb/database.go
package usb

import (
	"github.com/google/gousb"
)

// DeviceDatabase contains known USB identifiers of bench supplies and the
// serial bridges they ship with
type DeviceDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]*ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Model      string
	Supported  bool // speaks the KA3005P protocol
	Confidence float64
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

func (db *DeviceDatabase) initializeDatabase() {
	// Nuvoton (formerly Winbond) CDC bridge used by KORAD and its rebrands
	nuvoton := db.AddVendor(0x0416, "Nuvoton Technology Corp.")
	nuvoton.AddProduct(0x5011, &ProductInfo{
		Model:      "KA3005P",
		Supported:  true,
		Confidence: 0.9,
	})

	// Generic bridges found in some clones; identity must be confirmed on the wire
	wch := db.AddVendor(0x1A86, "QinHeng Electronics")
	wch.AddProduct(0x7523, &ProductInfo{
		Model:      "CH340 serial",
		Confidence: 0.2,
	})

	silabs := db.AddVendor(0x10C4, "Silicon Labs")
	silabs.AddProduct(0xEA60, &ProductInfo{
		Model:      "CP210x serial",
		Confidence: 0.2,
	})

	ftdi := db.AddVendor(0x0403, "Future Technology Devices International")
	ftdi.AddProduct(0x6001, &ProductInfo{
		Model:      "FT232 serial",
		Confidence: 0.2,
	})
}

// IsKnownVendor checks if a vendor ID is in the database
func (db *DeviceDatabase) IsKnownVendor(vendorID gousb.ID) bool {
	_, exists := db.vendors[vendorID]
	return exists
}

// GetVendorInfo returns vendor information, nil when unknown
func (db *DeviceDatabase) GetVendorInfo(vendorID gousb.ID) *VendorInfo {
	return db.vendors[vendorID]
}

// Lookup returns the vendor and product entries for a VID/PID pair.
// Either may be nil.
func (db *DeviceDatabase) Lookup(vendorID, productID gousb.ID) (*VendorInfo, *ProductInfo) {
	vendor := db.vendors[vendorID]
	if vendor == nil {
		return nil, nil
	}
	return vendor, vendor.GetProductInfo(productID)
}

// AddVendor registers a vendor, returning the existing entry when present
func (db *DeviceDatabase) AddVendor(vendorID gousb.ID, name string) *VendorInfo {
	if v, ok := db.vendors[vendorID]; ok {
		return v
	}
	v := &VendorInfo{
		Name:     name,
		products: make(map[gousb.ID]*ProductInfo),
	}
	db.vendors[vendorID] = v
	return v
}

// GetProductInfo returns product information for a given product ID
func (vi *VendorInfo) GetProductInfo(productID gousb.ID) *ProductInfo {
	return vi.products[productID]
}

// AddProduct adds a product to the vendor
func (vi *VendorInfo) AddProduct(productID gousb.ID, info *ProductInfo) {
	vi.products[productID] = info
}
