// SPDX-License-Identifier:Apache-2.0

package ovsdb

import "strconv"

// Object is the desired state of one managed object. The implementations
// are PhysicalSwitch, PhysicalLocator and LogicalSwitch; all are
// comparable values so that desired state can be compared with ==.
type Object interface {
	Key() Key
	Attributes() map[string]string
	isObject()
}

// PhysicalSwitch is a switch the device itself reports. The agent never
// writes these rows, it only waits for them.
type PhysicalSwitch struct {
	Name     string
	TunnelIP string
}

func (o PhysicalSwitch) Key() Key { return Key{Kind: KindPhysicalSwitch, Name: o.Name} }

func (o PhysicalSwitch) Attributes() map[string]string {
	return map[string]string{"tunnel_ip": o.TunnelIP}
}

func (PhysicalSwitch) isObject() {}

// PhysicalLocator is a tunnel endpoint, keyed by its destination address.
// It is shared between logical switches and created on first claim.
type PhysicalLocator struct {
	DstIP string
}

func (o PhysicalLocator) Key() Key { return Key{Kind: KindPhysicalLocator, Name: o.DstIP} }

func (o PhysicalLocator) Attributes() map[string]string {
	return map[string]string{"dst_ip": o.DstIP}
}

func (PhysicalLocator) isObject() {}

// LogicalSwitch binds a virtual network to a VXLAN segment on a device.
// Name is the virtual network UUID.
type LogicalSwitch struct {
	Name       string
	VxlanID    int64
	DeviceName string
}

func (o LogicalSwitch) Key() Key { return Key{Kind: KindLogicalSwitch, Name: o.Name} }

func (o LogicalSwitch) Attributes() map[string]string {
	return map[string]string{
		"vxlan_id":    strconv.FormatInt(o.VxlanID, 10),
		"device_name": o.DeviceName,
	}
}

func (LogicalSwitch) isObject() {}
