package types

import "fmt"

// Device is an attached device as reported by the device bridge.
type Device struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Online bool   `json:"online"`
}

func (d Device) String() string {
	state := "offline"
	if d.Online {
		state = "online"
	}
	return fmt.Sprintf("Device(id=%s, model=%s, %s)", d.ID, d.Model, state)
}
