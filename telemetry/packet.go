// Package telemetry implements the packet sequencer (C7), the packet
// forger (C8), and the bounded queue connecting them to the uploader.
package telemetry

// EssentialsPacket is the smallest telemetry payload, enough to plot speed
// and pack temperature/voltage over a session.
type EssentialsPacket struct {
	Speed           float32    `json:"spd"`
	BatteryTemps    [5]float32 `json:"temps"`
	Voltage         float32    `json:"v"`
	RemainingWattHr float32    `json:"wh"`
}

// DiagnosticPacket carries device-health data only. FreeHeapSpace and
// AmtFrees are intentionally both tagged "free" - the backend's wire
// contract for this packet shape emits the duplicate key as-is, and
// encoding/json is happy to do that on marshal.
type DiagnosticPacket struct {
	FreeHeapSpace uint32    `json:"free"`
	AmtAllocs     uint32    `json:"alloc"`
	AmtFrees      uint32    `json:"free"`
	Performance   [3]uint32 `json:"perf"`
}

// FullPacket is the union of EssentialsPacket and DiagnosticPacket's
// fields, sent when the uplink has budget for the complete record. It
// carries the same duplicate "free" key as DiagnosticPacket for the same
// reason.
type FullPacket struct {
	Speed           float32    `json:"spd"`
	BatteryTemps    [5]float32 `json:"temps"`
	Voltage         float32    `json:"v"`
	RemainingWattHr float32    `json:"wh"`
	FreeHeapSpace   uint32     `json:"free"`
	AmtAllocs       uint32     `json:"alloc"`
	AmtFrees        uint32     `json:"free"`
	Performance     [3]uint32  `json:"perf"`
}

// Packet is one telemetry record. Data holds one of EssentialsPacket,
// DiagnosticPacket or FullPacket; encoding/json serializes it using its
// own field tags since Data's static type is interface{}.
type Packet struct {
	SequenceID uint32      `json:"seq"`
	Timestamp  int32       `json:"ts"`
	RNGState   uint32      `json:"rng"`
	Data       interface{} `json:"data"`
}
