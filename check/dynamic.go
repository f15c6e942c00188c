package check

import (
	"context"
	"encoding/json"
	"fmt"
)

// DynamicValue points at a live value to use in place of a static
// expected value.  It is re-resolved at every evaluation, never
// cached, so a comparison always sees the current reading.
//
// Exactly one of the variant kinds is populated.
type DynamicValue struct {
	// Pvname is set for an EpicsValue: the expected value comes
	// from a process variable.
	Pvname string

	// DeviceName and SignalAttr are set for a DeviceValue: the
	// expected value comes from a named device attribute.
	DeviceName string
	SignalAttr string
}

const (
	tagEpicsValue  = "EpicsValue"
	tagDeviceValue = "DeviceValue"
)

// Resolver turns a DynamicValue into its current reading.  The
// evaluation side implements this on top of its signal cache.
type Resolver interface {
	ResolveDynamic(ctx context.Context, dv *DynamicValue) (interface{}, error)
}

// Describe names the referenced value for reasons and errors.
func (dv *DynamicValue) Describe() string {
	if dv == nil {
		return "(no dynamic value)"
	}
	if dv.Pvname != "" {
		return fmt.Sprintf("PV %s", dv.Pvname)
	}
	return fmt.Sprintf("%s.%s", dv.DeviceName, dv.SignalAttr)
}

// Validate checks that exactly one variant is populated.
func (dv *DynamicValue) Validate() error {
	if dv == nil {
		return nil
	}
	pv := dv.Pvname != ""
	dev := dv.DeviceName != "" || dv.SignalAttr != ""
	if pv == dev {
		return &ValueError{Value: dv, Reason: "dynamic value needs either a PV name or a device attribute"}
	}
	if dev && (dv.DeviceName == "" || dv.SignalAttr == "") {
		return &ValueError{Value: dv, Reason: "dynamic device value needs both device name and attribute"}
	}
	return nil
}

type epicsValueWire struct {
	Pvname string `json:"pvname"`
}

type deviceValueWire struct {
	DeviceName string `json:"device_name"`
	SignalAttr string `json:"signal_attr"`
}

// MarshalJSON writes the {"TypeName": {...}} envelope.
func (dv *DynamicValue) MarshalJSON() ([]byte, error) {
	if dv.Pvname != "" {
		return json.Marshal(map[string]interface{}{
			tagEpicsValue: epicsValueWire{Pvname: dv.Pvname},
		})
	}
	return json.Marshal(map[string]interface{}{
		tagDeviceValue: deviceValueWire{
			DeviceName: dv.DeviceName,
			SignalAttr: dv.SignalAttr,
		},
	})
}

func (dv *DynamicValue) UnmarshalJSON(bs []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(bs, &envelope); err != nil {
		return err
	}
	if len(envelope) != 1 {
		return fmt.Errorf("dynamic value wants exactly one variant; got %d", len(envelope))
	}
	for tag, body := range envelope {
		switch tag {
		case tagEpicsValue:
			var w epicsValueWire
			if err := json.Unmarshal(body, &w); err != nil {
				return err
			}
			*dv = DynamicValue{Pvname: w.Pvname}
		case tagDeviceValue:
			var w deviceValueWire
			if err := json.Unmarshal(body, &w); err != nil {
				return err
			}
			*dv = DynamicValue{DeviceName: w.DeviceName, SignalAttr: w.SignalAttr}
		default:
			return fmt.Errorf("unknown dynamic value variant: %s", tag)
		}
	}
	return nil
}
