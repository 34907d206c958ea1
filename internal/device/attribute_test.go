package device

import (
	"errors"
	"testing"
)

func TestAttributes_Order(t *testing.T) {
	want := []Attribute{
		AttrSwitch, AttrTemperature, AttrHumidity,
		AttrTemperatureThreshold, AttrHumidityThreshold, AttrDeviceName,
	}
	got := Attributes()
	if len(got) != len(want) {
		t.Fatalf("Attributes() = %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Attributes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Callers get a copy.
	got[0] = "tampered"
	if Attributes()[0] != AttrSwitch {
		t.Error("Attributes() returned shared backing array")
	}
}

func TestAttribute_KindAndWritable(t *testing.T) {
	tests := []struct {
		attr     Attribute
		kind     Kind
		writable bool
	}{
		{AttrSwitch, KindBool, true},
		{AttrTemperature, KindDouble, false},
		{AttrHumidity, KindDouble, false},
		{AttrTemperatureThreshold, KindDouble, true},
		{AttrHumidityThreshold, KindDouble, true},
		{AttrDeviceName, KindString, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.attr), func(t *testing.T) {
			if got := tt.attr.Kind(); got != tt.kind {
				t.Errorf("Kind() = %v, want %v", got, tt.kind)
			}
			if got := tt.attr.Writable(); got != tt.writable {
				t.Errorf("Writable() = %v, want %v", got, tt.writable)
			}
		})
	}
}

func TestParseAttribute(t *testing.T) {
	if a, err := ParseAttribute("humidity_threshold"); err != nil || a != AttrHumidityThreshold {
		t.Errorf("ParseAttribute(humidity_threshold) = %q, %v", a, err)
	}
	if _, err := ParseAttribute("pressure"); !errors.Is(err, ErrUnknownAttribute) {
		t.Errorf("ParseAttribute(pressure) error = %v, want ErrUnknownAttribute", err)
	}
}
