package bus

import "time"

// Payload is the body every real-time subscriber receives.
type Payload struct {
	Message string `json:"message"`
	Result  any    `json:"result"`
}

// BusEvent is one broadcast on a tenant-scoped channel such as "shopREADY".
type BusEvent struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Tenant  string    `json:"tenant"`
	Data    Payload   `json:"data"`
	Time    time.Time `json:"time"`
}

// ChannelName joins tenant and event into the subscriber channel name.
func ChannelName(tenant, event string) string {
	return tenant + event
}
