// Package registry is a device registrar for the host: it records every
// device the host enumerates and names it from the USB ID database.
//
// # Usage
//
//	ids, _ := registry.Open(registry.DefaultPaths...)
//	reg := registry.New(ids)
//	h := host.New(hc, mem, reg, host.DefaultConfig())
//
// Then list what is attached:
//
//	for _, e := range reg.Devices() {
//	    fmt.Println(e.Info.SlotID, e.Vendor, e.Product)
//	}
//
// # Database Format
//
// The database is the usb.ids text format distributed with most Linux
// systems: vendor lines start in column 0 ("1209  Generic"), product
// lines are tab-indented under their vendor ("\t0001  pid.codes Test PID").
// Class and language sections are skipped. A missing database only costs
// the names.
//
// All methods are safe for concurrent use.
package registry
