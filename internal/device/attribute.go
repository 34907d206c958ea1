package device

import "fmt"

// Attribute names one of the variables exposed on the device object.
// The string value doubles as the OPC-UA browse name and node ID.
type Attribute string

// The six device attributes.
const (
	AttrSwitch               Attribute = "switch"
	AttrTemperature          Attribute = "temperature"
	AttrHumidity             Attribute = "humidity"
	AttrTemperatureThreshold Attribute = "temperature_threshold"
	AttrHumidityThreshold    Attribute = "humidity_threshold"
	AttrDeviceName           Attribute = "device_name"
)

// Kind is the value type carried by an attribute.
type Kind int

// Attribute kinds.
const (
	KindBool Kind = iota
	KindDouble
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var attributeOrder = []Attribute{
	AttrSwitch,
	AttrTemperature,
	AttrHumidity,
	AttrTemperatureThreshold,
	AttrHumidityThreshold,
	AttrDeviceName,
}

// Attributes returns all device attributes in display order.
func Attributes() []Attribute {
	out := make([]Attribute, len(attributeOrder))
	copy(out, attributeOrder)
	return out
}

// ParseAttribute returns the Attribute for name, or ErrUnknownAttribute.
func ParseAttribute(name string) (Attribute, error) {
	a := Attribute(name)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	return a, nil
}

// Valid reports whether a is one of the six device attributes.
func (a Attribute) Valid() bool {
	for _, known := range attributeOrder {
		if a == known {
			return true
		}
	}
	return false
}

// Kind returns the value type of the attribute.
func (a Attribute) Kind() Kind {
	switch a {
	case AttrSwitch:
		return KindBool
	case AttrDeviceName:
		return KindString
	default:
		return KindDouble
	}
}

// Writable reports whether clients may change the attribute.
// Temperature and humidity are owned by the simulator; the device name is fixed.
func (a Attribute) Writable() bool {
	switch a {
	case AttrSwitch, AttrTemperatureThreshold, AttrHumidityThreshold:
		return true
	default:
		return false
	}
}

func (a Attribute) String() string { return string(a) }
