package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Profile names the GATT service and characteristics a UART bridge module
// exposes. RX notifies bytes from the peripheral; TX accepts writes to it.
// Some modules use one characteristic for both.
type Profile struct {
	Name    string
	Service bluetooth.UUID
	RX      bluetooth.UUID
	TX      bluetooth.UUID
	// MTU is the largest payload written per characteristic write.
	MTU int
}

var (
	// HM10 is the profile of HM-10, CC41 and JDY-08 style modules.
	HM10 = Profile{
		Name:    "hm10",
		Service: bluetooth.New16BitUUID(0xFFE0),
		RX:      bluetooth.New16BitUUID(0xFFE1),
		TX:      bluetooth.New16BitUUID(0xFFE1),
		MTU:     20,
	}

	// NordicUART is the Nordic UART Service used by nRF and ESP32 firmware.
	NordicUART = Profile{
		Name:    "nus",
		Service: mustParseUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
		RX:      mustParseUUID("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"),
		TX:      mustParseUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E"),
		MTU:     20,
	}
)

// ProfileByName returns the built-in profile with the given name.
func ProfileByName(name string) (Profile, bool) {
	switch name {
	case HM10.Name:
		return HM10, true
	case NordicUART.Name:
		return NordicUART, true
	default:
		return Profile{}, false
	}
}

func (p Profile) characteristics() []bluetooth.UUID {
	if p.RX == p.TX {
		return []bluetooth.UUID{p.RX}
	}

	return []bluetooth.UUID{p.RX, p.TX}
}

type characteristic interface {
	UUID() bluetooth.UUID
}

// pickCharacteristics finds the RX and TX characteristics of p among
// discovered ones. They are the same value when the module shares one.
func pickCharacteristics[C characteristic](p Profile, chars []C) (rx, tx C, err error) {
	var foundRX, foundTX bool
	for _, c := range chars {
		if c.UUID() == p.RX {
			rx, foundRX = c, true
		}
		if c.UUID() == p.TX {
			tx, foundTX = c, true
		}
	}

	if !foundRX || !foundTX {
		return rx, tx, fmt.Errorf("%s characteristics missing: rx=%t tx=%t", p.Name, foundRX, foundTX)
	}

	return rx, tx, nil
}

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}
