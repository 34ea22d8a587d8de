package plotter

import (
	"log"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortDescriptor describes one candidate serial port. Rebuilt on every
// enumeration, never persisted.
type PortDescriptor struct {
	Path                 string `json:"path"`
	Manufacturer         string `json:"manufacturer,omitempty"`
	VendorID             string `json:"vendorId,omitempty"`
	ProductID            string `json:"productId,omitempty"`
	DisplayName          string `json:"displayName,omitempty"`
	IsLikelyTargetDevice bool   `json:"isLikelyTargetDevice"`
}

// USB vendor IDs of the boards the plotter ships with.
var knownVendorIDs = map[string]string{
	"2341": "Arduino",
	"2A03": "Arduino",
	"1A86": "WCH",
	"10C4": "Silicon Labs",
	"0403": "FTDI",
}

// Path fragments of USB serial adapters on Linux and macOS.
var knownPathFragments = []string{
	"ttyACM", "ttyUSB", "usbmodem", "usbserial", "wchusbserial",
}

// listDetailedPorts is swapped out in tests.
var listDetailedPorts = enumerator.GetDetailedPortsList

// ListPorts enumerates candidate ports with likely target devices
// first, stable-sorted. It never fails: on enumeration error it returns
// an empty list and signals a warning event to all observers.
func (m *Manager) ListPorts() []PortDescriptor {
	details, err := listDetailedPorts()
	if err != nil {
		log.Printf("[plotter] port enumeration failed: %v", err)
		m.publishLog(LogWarning, "port enumeration failed: "+err.Error())
		// Empty, not nil: the list is encoded to JSON downstream.
		return []PortDescriptor{}
	}

	ports := make([]PortDescriptor, 0, len(details))
	for _, d := range details {
		desc := PortDescriptor{
			Path:        d.Name,
			DisplayName: d.Product,
		}
		if d.IsUSB {
			desc.VendorID = strings.ToUpper(d.VID)
			desc.ProductID = strings.ToUpper(d.PID)
			desc.Manufacturer = knownVendorIDs[desc.VendorID]
		}
		desc.IsLikelyTargetDevice = likelyTargetDevice(desc)
		ports = append(ports, desc)
	}

	sort.SliceStable(ports, func(i, j int) bool {
		return ports[i].IsLikelyTargetDevice && !ports[j].IsLikelyTargetDevice
	})

	m.bus.Publish(Update{Ports: ports})
	return ports
}

func likelyTargetDevice(d PortDescriptor) bool {
	if knownVendorIDs[d.VendorID] != "" {
		return true
	}
	for _, frag := range knownPathFragments {
		if strings.Contains(d.Path, frag) {
			return true
		}
	}
	return false
}
