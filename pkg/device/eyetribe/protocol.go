package eyetribe

// Tracking state bits of a frame.
const (
	StateGaze     uint32 = 0x01
	StateEyes     uint32 = 0x02
	StatePresence uint32 = 0x04
	StateFail     uint32 = 0x08
	StateLost     uint32 = 0x10

	// stateTracking is the set of bits meaning the user is being tracked.
	stateTracking = StateGaze | StateEyes | StatePresence
)

// Request categories and status codes.
const (
	categoryTracker     = "tracker"
	categoryCalibration = "calibration"
	categoryHeartbeat   = "heartbeat"

	statusOK = 200
)

type request struct {
	Category string `json:"category"`
	Request  string `json:"request,omitempty"`
	Values   any    `json:"values,omitempty"`
}

type response struct {
	Category   string         `json:"category"`
	Request    string         `json:"request"`
	StatusCode int            `json:"statuscode"`
	Values     responseValues `json:"values"`
}

type responseValues struct {
	Frame       *frame       `json:"frame"`
	CalibResult *calibResult `json:"calibresult"`
	StatusMsg   string       `json:"statusmessage"`
}

type point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type eye struct {
	Raw     point2  `json:"raw"`
	Avg     point2  `json:"avg"`
	PSize   float64 `json:"psize"`
	PCenter point2  `json:"pcenter"`
}

type frame struct {
	Time     int64  `json:"time"`
	Fix      bool   `json:"fix"`
	State    uint32 `json:"state"`
	Raw      point2 `json:"raw"`
	Avg      point2 `json:"avg"`
	LeftEye  eye    `json:"lefteye"`
	RightEye eye    `json:"righteye"`
}

type calibPoint struct {
	State int    `json:"state"`
	CP    point2 `json:"cp"`
	MECP  point2 `json:"mecp"`
	ACD   struct {
		AD  float64 `json:"ad"`
		ADL float64 `json:"adl"`
		ADR float64 `json:"adr"`
	} `json:"acd"`
	MEPix struct {
		MEP  float64 `json:"mep"`
		MEPL float64 `json:"mepl"`
		MEPR float64 `json:"mepr"`
	} `json:"mepix"`
	ASDP struct {
		ASD  float64 `json:"asd"`
		ASDL float64 `json:"asdl"`
		ASDR float64 `json:"asdr"`
	} `json:"asdp"`
}

type calibResult struct {
	Result      bool         `json:"result"`
	Deg         float64      `json:"deg"`
	DegL        float64      `json:"degl"`
	DegR        float64      `json:"degr"`
	CalibPoints []calibPoint `json:"calibpoints"`
}
